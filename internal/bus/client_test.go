package bus_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/claudette-home/internal/bus"
	"github.com/loqalabs/claudette-home/internal/bus/bustest"
	"github.com/loqalabs/claudette-home/internal/config"
)

func TestConnectRequiresServers(t *testing.T) {
	_, err := bus.Connect(context.Background(), config.BusConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestRequestJSONRoundTrip(t *testing.T) {
	client := bustest.Connect(t)
	if !client.Healthy() {
		t.Fatalf("expected healthy client")
	}
	sub, err := client.Conn().Subscribe("ctrl.echo", func(msg *nats.Msg) {
		var in map[string]string
		_ = json.Unmarshal(msg.Data, &in)
		_ = msg.Respond([]byte(in["word"]))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.RequestJSON(ctx, "ctrl.echo", map[string]string{"word": "claudette"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(reply) != "claudette" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestPublishJSONRejectsUnencodable(t *testing.T) {
	client := bustest.Connect(t)
	if err := client.PublishJSON("session.event.x", make(chan int)); err == nil {
		t.Fatalf("expected marshal error")
	}
}

func TestNilClientIsUnhealthy(t *testing.T) {
	var c *bus.Client
	if c.Healthy() {
		t.Fatalf("nil client reported healthy")
	}
	c.Close()
}
