// Package bus bridges the translation pipeline to a NATS server. Chat lines
// published by an external chat client arrive on [SubjectChat]; every
// translated chat or voice line is published on [SubjectResult] for other
// consumers (recorders, alternative overlays).
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects.
const (
	SubjectChat   = "kototsuna.chat"
	SubjectResult = "kototsuna.result"
)

// DefaultConnectTimeout bounds the initial connection attempt.
const DefaultConnectTimeout = 2 * time.Second

// ErrNotConnected is returned by [Client.Ping] when the connection is down.
var ErrNotConnected = errors.New("bus: not connected")

// Config describes the NATS connection.
type Config struct {
	Servers        []string
	Name           string
	ConnectTimeout time.Duration
	Username       string
	Password       string
	Token          string
}

// ChatMessage is one inbound chat line.
type ChatMessage struct {
	ID          string `json:"id,omitempty"`
	User        string `json:"user"`
	DisplayName string `json:"display_name,omitempty"`
	Text        string `json:"text"`
	// Emotes is the chat platform's emote position tag
	// ("25:0-4,12-16/1902:6-10"). Emote ranges are not translated.
	Emotes string    `json:"emotes,omitempty"`
	Time   time.Time `json:"time,omitzero"`
}

// Name returns the display name, falling back to the login name.
func (m ChatMessage) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.User
}

// Result sources.
const (
	SourceChat  = "chat"
	SourceVoice = "voice"
)

// Result is one published translation.
type Result struct {
	Source   string    `json:"source"`
	User     string    `json:"user,omitempty"`
	Original string    `json:"original"`
	Text     string    `json:"text"`
	Kind     string    `json:"kind"`
	Time     time.Time `json:"time"`
}

// Client wraps a NATS connection.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

// Connect dials the configured servers.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("bus: no NATS servers configured")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	name := cfg.Name
	if name == "" {
		name = "kototsuna"
	}

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus: reconnected", "server", nc.ConnectedUrl())
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	log.Info("connected to NATS", "servers", url)
	return &Client{conn: conn, log: log}, nil
}

// SubscribeChat delivers every decodable chat line on [SubjectChat] to fn.
// fn runs on the subscription's goroutine, one message at a time. Blank and
// malformed lines are dropped.
func (c *Client) SubscribeChat(ctx context.Context, fn func(context.Context, ChatMessage)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(SubjectChat, func(msg *nats.Msg) {
		var m ChatMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			c.log.Warn("bus: failed to decode chat message", "err", err)
			return
		}
		if strings.TrimSpace(m.Text) == "" {
			return
		}
		fn(ctx, m)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", SubjectChat, err)
	}
	return sub, nil
}

// PublishResult publishes r on [SubjectResult].
func (c *Client) PublishResult(ctx context.Context, r Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("bus: encode result: %w", err)
	}
	if err := c.conn.Publish(SubjectResult, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", SubjectResult, err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Ping round-trips to the server.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Healthy() {
		return ErrNotConnected
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("bus: ping: %w", err)
	}
	return nil
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *nats.Conn { return c.conn }

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	c.log.Info("closing NATS connection")
	err := c.conn.Drain()
	c.conn.Close()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}
