package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "quad/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxFrameBytes       = 64 << 10
)

// Handlers are event callbacks invoked from the read loop. Nil callbacks are
// skipped. Callbacks must not block; they run on the connection goroutine.
type Handlers struct {
	// OnMessage fires for every broadcast, including the echo of this
	// client's own sends.
	OnMessage func(v1.MessagePayload)
	// OnConfirmed fires when a provisional entry is reconciled, by ack or
	// by broadcast.
	OnConfirmed func(Entry)
	// OnFailed fires when a provisional entry is marked failed.
	OnFailed func(Entry)
	// OnSubscribed fires when the server confirms a subscription.
	OnSubscribed func(chatID string)
}

// Options configures Dial.
type Options struct {
	// URL is the websocket endpoint, e.g. "ws://127.0.0.1:8080/ws".
	URL string
	// Token is the bearer access token presented during the handshake.
	Token string
	// AccountID is the identity the token is bound to; used to tag
	// provisional entries so broadcast fallback matching can work.
	AccountID string

	Handlers Handlers
	Logger   *slog.Logger
}

// Client is a live protocol connection with an outbox for optimistic sends.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	accountID string
	outbox    *Outbox
	handlers  Handlers

	writeMu sync.Mutex

	closeOnce sync.Once
}

// Dial connects and negotiates the chat subprotocol. A server-side auth
// rejection surfaces here as a failed handshake; no session exists after it.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("client: missing URL")
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("client: missing token")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+opts.Token)

	conn, _, err := websocket.Dial(ctx, opts.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol mismatch")
		return nil, fmt.Errorf("client: unexpected subprotocol %q", sp)
	}
	conn.SetReadLimit(maxFrameBytes)

	return &Client{
		log:       log,
		conn:      conn,
		accountID: opts.AccountID,
		outbox:    NewOutbox(),
		handlers:  opts.Handlers,
	}, nil
}

// Outbox exposes the reconciliation state for rendering.
func (c *Client) Outbox() *Outbox { return c.outbox }

// Subscribe requests live delivery for a chat. Confirmation arrives
// asynchronously via OnSubscribed.
func (c *Client) Subscribe(ctx context.Context, chatID string) error {
	p, err := json.Marshal(v1.SubscribePayload{ChatID: chatID})
	if err != nil {
		return err
	}
	return c.write(ctx, v1.Envelope{
		V:       v1.Version,
		Op:      v1.OpSubscribe,
		TS:      time.Now().UTC(),
		Payload: p,
	})
}

// Send registers a provisional entry and puts the send on the wire. The
// returned entry is pending; the caller renders it immediately and swaps it
// for the confirmed message when OnConfirmed fires.
func (c *Client) Send(ctx context.Context, chatID, text string) (Entry, error) {
	entry := c.outbox.Add(chatID, c.accountID, text, time.Now().UTC())

	p, err := json.Marshal(v1.SendPayload{
		ChatID:      chatID,
		ClientMsgID: entry.ClientMsgID,
		Text:        text,
	})
	if err != nil {
		return Entry{}, err
	}

	env := v1.Envelope{
		V:       v1.Version,
		Op:      v1.OpSend,
		ID:      entry.ClientMsgID,
		TS:      entry.EnqueuedAt,
		Payload: p,
	}
	if err := c.write(ctx, env); err != nil {
		failed, _ := c.outbox.Fail(entry.ClientMsgID, v1.CodeUnavailable, "write failed")
		return failed, err
	}
	return entry, nil
}

// Run consumes server frames until the context ends or the connection
// closes. It returns nil on a clean close.
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()

	for {
		env, err := c.read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := env.Validate(); err != nil {
			c.log.Warn("client.envelope.invalid", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env v1.Envelope) {
	switch env.Op {
	case v1.OpAck:
		var ack v1.AckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			c.log.Warn("client.ack.decode", "err", err)
			return
		}
		if e, ok := c.outbox.ConfirmAck(ack); ok && c.handlers.OnConfirmed != nil {
			c.handlers.OnConfirmed(e)
		}

	case v1.OpMessage:
		var msg v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			c.log.Warn("client.message.decode", "err", err)
			return
		}
		if e, ok := c.outbox.ConfirmMessage(msg); ok && c.handlers.OnConfirmed != nil {
			c.handlers.OnConfirmed(e)
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}

	case v1.OpSubscribed:
		var sub v1.SubscribedPayload
		if err := json.Unmarshal(env.Payload, &sub); err != nil {
			c.log.Warn("client.subscribed.decode", "err", err)
			return
		}
		if c.handlers.OnSubscribed != nil {
			c.handlers.OnSubscribed(sub.ChatID)
		}

	case v1.OpError:
		var ep v1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &ep); err != nil {
			c.log.Warn("client.error.decode", "err", err)
			return
		}
		c.log.Warn("client.server.error", "code", ep.Code, "msg", ep.Message)
		// Error frames carry no correlation id; attribute to the oldest
		// in-flight send so the failure stays user-visible.
		if e, ok := c.outbox.FailOldestPending(ep.Code, ep.Message); ok && c.handlers.OnFailed != nil {
			c.handlers.OnFailed(e)
		}
	}
}

func (c *Client) write(ctx context.Context, env v1.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

func (c *Client) read(ctx context.Context) (v1.Envelope, error) {
	mt, data, err := c.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

// Close tears down the connection. Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	})
}
