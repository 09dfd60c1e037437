package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/claudette-home/internal/config"
)

// maxPayload fits a few seconds of 16 kHz PCM in one message.
const maxPayload = 1 << 20

// EmbeddedServer runs the message bus in-process so a single box needs no
// separate broker. Satellites on the LAN dial it when Listen is not loopback.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start creates and starts the embedded server. It returns nil without error
// when embedding is disabled. A port of -1 picks a random free port.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	if cfg.Token != "" && (cfg.Username != "" || cfg.Password != "") {
		return nil, errors.New("embedded bus accepts either a token or a username, not both")
	}

	host := cfg.Listen
	if host == "" {
		host = "127.0.0.1"
	}
	opts := &server.Options{
		ServerName:    "claudette-bus",
		Host:          host,
		Port:          cfg.Port,
		MaxPayload:    maxPayload,
		NoSigs:        true,
		Authorization: cfg.Token,
		Username:      cfg.Username,
		Password:      cfg.Password,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	logger := log.With(slog.String("component", "bus-server"))
	ns.SetLoggerV2(serverLogger{log: logger}, false, false, false)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start within 5 seconds")
	}

	logger.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))
	return &EmbeddedServer{ns: ns, log: logger}, nil
}

// ClientURL returns the URL local clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Clients reports the number of connected clients, satellites included.
func (e *EmbeddedServer) Clients() int {
	if e == nil || e.ns == nil {
		return 0
	}
	return e.ns.NumClients()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}

// serverLogger routes the broker's own log lines through slog.
type serverLogger struct {
	log *slog.Logger
}

func (l serverLogger) Noticef(format string, v ...any) { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l serverLogger) Warnf(format string, v ...any)   { l.log.Warn(fmt.Sprintf(format, v...)) }
func (l serverLogger) Fatalf(format string, v ...any)  { l.log.Error(fmt.Sprintf(format, v...)) }
func (l serverLogger) Errorf(format string, v ...any)  { l.log.Error(fmt.Sprintf(format, v...)) }
func (l serverLogger) Debugf(format string, v ...any)  { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l serverLogger) Tracef(format string, v ...any)  {}
