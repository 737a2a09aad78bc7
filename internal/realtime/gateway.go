package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Reply is what a CommandHandler returns on success. Subscribe lists topics
// the connection should join, e.g. the request it just created.
type Reply struct {
	Data      any
	Subscribe []string
}

type CommandHandler interface {
	HandleCommand(ctx context.Context, p auth.Principal, cmd Command) (Reply, error)
}

// Gateway upgrades authenticated HTTP requests to websockets, joins the
// caller's topics and turns inbound frames into commands. Every frame is
// answered with an Ack.
type Gateway struct {
	hub      *Hub
	authn    auth.Authenticator
	handler  CommandHandler
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewGateway(hub *Hub, authn auth.Authenticator, handler CommandHandler, log zerolog.Logger) *Gateway {
	return &Gateway{
		hub:     hub,
		authn:   authn,
		handler: handler,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// InitialTopics are joined on connect.
func InitialTopics(p auth.Principal) []string {
	topics := []string{UserTopic(p.UserID)}
	switch p.Role {
	case auth.RoleDoctor:
		topics = append(topics, ProviderTopic(p.UserID), PoolTopic(PoolDoctors))
	case auth.RoleAmbulance:
		topics = append(topics, ProviderTopic(p.UserID), PoolTopic(PoolAmbulance))
	}
	return topics
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	principal, err := g.authn.Authenticate(token)
	if err != nil {
		http.Error(w, `{"error":"unauthorized","details":"invalid or missing token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(principal.UserID, sendBuffer)
	g.hub.Register(client, InitialTopics(principal)...)

	g.log.Debug().Str("client_id", client.ID).Str("user_id", principal.UserID.String()).Msg("websocket connected")

	go g.writePump(client, conn)
	g.readPump(auth.WithPrincipal(context.WithoutCancel(r.Context()), principal), principal, client, conn)
}

func (g *Gateway) readPump(ctx context.Context, p auth.Principal, client *Client, conn *websocket.Conn) {
	defer func() {
		g.hub.Unregister(client)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		ack := g.handleFrame(ctx, p, client, message)
		data, err := json.Marshal(ack)
		if err != nil {
			g.log.Error().Err(err).Str("ack_id", ack.AckID).Msg("marshal ack")
			continue
		}

		select {
		case client.Send <- data:
		case <-time.After(writeWait):
			g.log.Warn().Str("client_id", client.ID).Msg("dropping slow websocket client")
			return
		}
	}
}

func (g *Gateway) handleFrame(ctx context.Context, p auth.Principal, client *Client, message []byte) Ack {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		return Ack{OK: false, Error: "malformed frame", Code: apperr.KindValidation}
	}

	cmd, err := DecodeCommand(frame)
	if err != nil {
		return g.failure(frame, err)
	}

	reply, err := g.handler.HandleCommand(ctx, p, cmd)
	if err != nil {
		return g.failure(frame, err)
	}

	if len(reply.Subscribe) > 0 {
		g.hub.Subscribe(client, reply.Subscribe...)
	}
	return Ack{AckID: frame.ID, OK: true, Data: reply.Data}
}

func (g *Gateway) failure(frame Frame, err error) Ack {
	kind, msg := apperr.Public(err)
	if kind == apperr.KindInternal {
		g.log.Error().Err(err).Str("event", frame.Event).Msgf("command failed: %+v", err)
	}
	return Ack{AckID: frame.ID, OK: false, Error: msg, Code: kind}
}

func (g *Gateway) writePump(client *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
