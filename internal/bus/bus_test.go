package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func startServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := StartEmbedded("127.0.0.1", -1, nil)
	if err != nil {
		t.Fatalf("StartEmbedded: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func connect(t *testing.T, srv *EmbeddedServer) *Client {
	t.Helper()
	c, err := Connect(context.Background(), Config{Servers: []string{srv.ClientURL()}}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnect_Validation(t *testing.T) {
	if _, err := Connect(context.Background(), Config{}, nil); err == nil {
		t.Error("expected error without servers")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Connect(ctx, Config{Servers: []string{"nats://127.0.0.1:1"}}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx: err = %v", err)
	}
	if _, err := Connect(context.Background(), Config{
		Servers:        []string{"nats://127.0.0.1:1"},
		ConnectTimeout: 200 * time.Millisecond,
	}, nil); err == nil {
		t.Error("expected error for unreachable server")
	}
}

func TestSubscribeChat(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)

	got := make(chan ChatMessage, 4)
	sub, err := c.SubscribeChat(context.Background(), func(_ context.Context, m ChatMessage) { got <- m })
	if err != nil {
		t.Fatalf("SubscribeChat: %v", err)
	}
	defer sub.Unsubscribe()
	if err := c.Conn().Flush(); err != nil {
		t.Fatal(err)
	}

	pub, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()
	pub.Publish(SubjectChat, []byte("not json"))
	pub.Publish(SubjectChat, []byte(`{"user":"bob","text":"   "}`))
	pub.Publish(SubjectChat, []byte(`{"user":"alice","display_name":"Alice","text":"hello Kappa","emotes":"25:6-10"}`))
	pub.Flush()

	select {
	case m := <-got:
		if m.Text != "hello Kappa" || m.Name() != "Alice" || m.Emotes != "25:6-10" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no chat message delivered")
	}
	select {
	case m := <-got:
		t.Errorf("unexpected extra message %+v", m)
	case <-time.After(100 * time.Millisecond):
	}

	if (ChatMessage{User: "bob"}).Name() != "bob" {
		t.Error("Name should fall back to User")
	}
}

func TestPublishResult(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)

	sub, err := c.Conn().SubscribeSync(SubjectResult)
	if err != nil {
		t.Fatal(err)
	}
	c.Conn().Flush()

	if err := c.PublishResult(context.Background(), Result{
		Source: SourceChat, User: "alice", Original: "hello", Text: "こんにちは", Kind: "translated",
	}); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}
	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	var r Result
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		t.Fatal(err)
	}
	if r.Text != "こんにちは" || r.Source != SourceChat || r.Time.IsZero() {
		t.Errorf("result = %+v", r)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.PublishResult(ctx, Result{}); err == nil {
		t.Error("publish with cancelled ctx should fail")
	}
}

func TestHealthAndClose(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)

	if !c.Healthy() {
		t.Fatal("expected healthy connection")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if c.Healthy() {
		t.Error("closed client reported healthy")
	}
	if err := c.Ping(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Ping after close = %v", err)
	}

	var nilClient *Client
	if nilClient.Healthy() || nilClient.Close() != nil {
		t.Error("nil client must be unhealthy and close cleanly")
	}
}
