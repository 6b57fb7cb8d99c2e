package bus

import (
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/ivanmolanski/empire/internal/config"
)

// Server is the embedded NATS server every component connects to.
// JetStream backs the at-least-once delivery window.
type Server struct {
	server *natsserver.Server
	cfg    config.BusConfig
}

func NewServer(cfg config.BusConfig) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bus data dir: %w", err)
	}

	opts := &natsserver.Options{
		Port:      cfg.Port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  cfg.DataDir,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Server{
		server: ns,
		cfg:    cfg,
	}, nil
}

func (s *Server) ClientURL() string {
	return s.server.ClientURL()
}

func (s *Server) Port() int {
	return s.cfg.Port
}

func (s *Server) Close() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
