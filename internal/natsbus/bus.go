// Package natsbus fans realtime events out across api-server instances.
// Every instance publishes to NATS and relays what it receives into its
// local websocket Hub.
package natsbus

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EmbeddedURL as NATS_URL starts an in-process server.
const EmbeddedURL = "embedded"

// Bus owns the NATS connection and, when embedded, the server.
type Bus struct {
	nc     *nats.Conn
	server *server.Server
	log    zerolog.Logger
}

func Connect(url string, log zerolog.Logger) (*Bus, error) {
	b := &Bus{log: log}

	if url == EmbeddedURL {
		ns, err := StartEmbedded()
		if err != nil {
			return nil, err
		}
		b.server = ns
		url = ns.ClientURL()
		log.Info().Str("client_url", url).Msg("embedded nats server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("telehealth-dispatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		b.shutdownServer()
		return nil, errors.Wrap(err, "connect nats")
	}
	b.nc = nc

	return b, nil
}

// StartEmbedded runs a NATS server on a random local port.
func StartEmbedded() (*server.Server, error) {
	opts := &server.Options{
		Host:     "127.0.0.1",
		Port:     -1,
		HTTPPort: -1,
		NoSigs:   true,
		NoLog:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, errors.Wrap(err, "create nats server")
	}

	ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("nats server not ready")
	}

	return ns, nil
}

func (b *Bus) Conn() *nats.Conn { return b.nc }

// Ping reports whether the connection is usable, for readiness checks.
func (b *Bus) Ping() error {
	if b.nc == nil || !b.nc.IsConnected() {
		return errors.New("nats not connected")
	}
	return b.nc.FlushTimeout(2 * time.Second)
}

func (b *Bus) Close() {
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
	}
	b.shutdownServer()
}

func (b *Bus) shutdownServer() {
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
}
