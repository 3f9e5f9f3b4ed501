package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer is an in-process NATS server for setups without a broker.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// StartEmbedded starts a NATS server on host:port. Port -1 picks a free port.
func StartEmbedded(host string, port int, log *slog.Logger) (*EmbeddedServer, error) {
	if log == nil {
		log = slog.Default()
	}
	if host == "" {
		host = "127.0.0.1"
	}
	opts := &server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("bus: create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("bus: embedded NATS server failed to start within 5 seconds")
	}
	log.Info("embedded NATS server started", "url", ns.ClientURL())
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL returns the URL clients connect to.
func (e *EmbeddedServer) ClientURL() string { return e.ns.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
