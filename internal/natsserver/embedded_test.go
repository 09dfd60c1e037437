package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/claudette-home/internal/config"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, discard())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv != nil {
		t.Fatalf("expected nil server when embedded disabled")
	}
	srv.Shutdown()
	if srv.Clients() != 0 {
		t.Fatalf("nil server reports clients")
	}
}

func TestStartRandomPort(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1}, discard())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	if srv.ClientURL() == "" {
		t.Fatalf("expected client url")
	}
}

func TestTokenIsEnforced(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, Token: "s3cret"}, discard())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	if nc, err := nats.Connect(srv.ClientURL()); err == nil {
		nc.Close()
		t.Fatalf("expected anonymous connection to be refused")
	}
	nc, err := nats.Connect(srv.ClientURL(), nats.Token("s3cret"))
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	defer nc.Close()
	if srv.Clients() != 1 {
		t.Fatalf("expected one client, got %d", srv.Clients())
	}
}

func TestTokenAndUserAreExclusive(t *testing.T) {
	if _, err := Start(config.BusConfig{Embedded: true, Port: -1, Token: "t", Username: "u"}, discard()); err == nil {
		t.Fatalf("expected configuration error")
	}
}
