package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/auth"
	"github.com/hackgods/telehealth-dispatch/internal/logging"
)

type staticAuth struct {
	tokens map[string]auth.Principal
}

func (s staticAuth) Authenticate(token string) (auth.Principal, error) {
	p, ok := s.tokens[token]
	if !ok {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return p, nil
}

type echoHandler struct{}

func (echoHandler) HandleCommand(_ context.Context, p auth.Principal, cmd Command) (Reply, error) {
	switch cmd.Name {
	case CmdFreelanceAccept:
		return Reply{}, apperr.New(apperr.KindConflict, "request already assigned")
	case CmdSOSCreate:
		return Reply{Data: map[string]string{"by": p.UserID.String()}, Subscribe: []string{"request:r1"}}, nil
	}
	return Reply{Data: "ok"}, nil
}

func startGateway(t *testing.T) (*httptest.Server, *Hub, auth.Principal) {
	t.Helper()
	p := auth.Principal{UserID: uuid.New(), Role: auth.RoleAmbulance}
	hub := NewHub()
	gw := NewGateway(hub, staticAuth{tokens: map[string]auth.Principal{"good": p}}, echoHandler{}, logging.Nop())
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv, hub, p
}

func dial(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func readAck(t *testing.T, conn *websocket.Conn) Ack {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack Ack
	require.NoError(t, conn.ReadJSON(&ack))
	return ack
}

func TestGatewayRejectsBadToken(t *testing.T) {
	srv, _, _ := startGateway(t)

	_, resp, err := dial(t, srv, "bad")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayAcksEveryFrame(t *testing.T) {
	srv, hub, p := startGateway(t)

	conn, _, err := dial(t, srv, "good")
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.TopicCount(PoolTopic(PoolAmbulance)) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hub.TopicCount(UserTopic(p.UserID)))

	require.NoError(t, conn.WriteJSON(Frame{ID: "u1", Event: "nope:nope"}))
	ack := readAck(t, conn)
	assert.Equal(t, "u1", ack.AckID)
	assert.False(t, ack.OK)
	assert.Equal(t, apperr.KindValidation, ack.Code)

	require.NoError(t, conn.WriteJSON(Frame{ID: "a1", Event: string(CmdFreelanceAccept), Data: []byte(`{"requestId":"` + uuid.NewString() + `"}`)}))
	ack = readAck(t, conn)
	assert.False(t, ack.OK)
	assert.Equal(t, apperr.KindConflict, ack.Code)
	assert.Equal(t, "request already assigned", ack.Error)

	require.NoError(t, conn.WriteJSON(Frame{ID: "s1", Event: string(CmdSOSCreate), Data: []byte(`{"location":{"lat":1,"lng":1}}`)}))
	ack = readAck(t, conn)
	assert.True(t, ack.OK)
	assert.Equal(t, "s1", ack.AckID)
	assert.Equal(t, 1, hub.TopicCount("request:r1"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ack = readAck(t, conn)
	assert.False(t, ack.OK)
}

func TestGatewayDeliversHubEvents(t *testing.T) {
	srv, hub, p := startGateway(t)

	conn, _, err := dial(t, srv, "good")
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.TopicCount(UserTopic(p.UserID)) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), Event{Type: "sos:assigned", Topic: UserTopic(p.UserID)}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "sos:assigned", ev.Type)
}
