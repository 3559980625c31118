package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connect(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestPublishAndRespondJSON(t *testing.T) {
	client := connect(t)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	type ping struct {
		Value int `json:"value"`
	}
	sub, err := client.Conn().Subscribe("test.ping", func(msg *nats.Msg) {
		var p ping
		_ = json.Unmarshal(msg.Data, &p)
		_ = client.RespondJSON(msg, ping{Value: p.Value + 1})
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	data, _ := json.Marshal(ping{Value: 41})
	reply, err := client.Conn().Request("test.ping", data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var got ping
	if err := json.Unmarshal(reply.Data, &got); err != nil || got.Value != 42 {
		t.Fatalf("unexpected reply %s (%v)", reply.Data, err)
	}

	// Plain publishes have no reply subject; responding is a no-op.
	if err := client.RespondJSON(&nats.Msg{Subject: "x"}, got); err != nil {
		t.Fatalf("respond without reply: %v", err)
	}
}

func TestEnsureStreamRetainsStatus(t *testing.T) {
	client := connect(t)
	if err := client.EnsureStream("TEST_STATUS", []string{"test.status.>"}, time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	// Second call updates in place.
	if err := client.EnsureStream("TEST_STATUS", []string{"test.status.>"}, 2*time.Hour); err != nil {
		t.Fatalf("ensure stream again: %v", err)
	}
	if err := client.PublishJSON("test.status.done", map[string]string{"session_id": "a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := client.JetStream().StreamInfo("TEST_STATUS")
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if info.State.Msgs == 1 {
			if info.Config.MaxAge != 2*time.Hour {
				t.Fatalf("max age = %v", info.Config.MaxAge)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 retained message, got %d", info.State.Msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
