// Package realtime contains Quad's websocket gateway and per-chat broadcast
// primitives.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"quad/cmd/internal/auth"
	"quad/cmd/internal/chat"
	"quad/cmd/internal/ids"
	v1 "quad/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	wsSubprotocolV1 = v1.Subprotocol

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the websocket entrypoint for Quad realtime.
//
// It authenticates the handshake, enforces origin policy, subprotocol
// selection, rate limits, and heartbeats, and routes validated envelopes to
// the message log and the per-chat broadcast channels.
type Gateway struct {
	log    *slog.Logger
	hub    *Hub
	store  chat.Store
	tokens auth.TokenManager

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
// Hub may be nil, in which case a fresh one is created.
func NewGateway(log *slog.Logger, hub *Hub, store chat.Store, tokens auth.TokenManager) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &Gateway{log: log, hub: hub, store: store, tokens: tokens}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("QUAD_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("QUAD_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("QUAD_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy: same-host is ok,
	// cross-origin requires OriginPatterns. Derive the patterns from the
	// allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("QUAD_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("QUAD_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("QUAD_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("QUAD_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("QUAD_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("QUAD_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("QUAD_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the handshake, upgrades to a websocket session, and
// runs the realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Identity is verified before any upgrade or chat-level operation is
	// possible. Rejection is protocol-level: the connection is refused with
	// no session created.
	claims, err := g.authenticate(r)
	if err != nil {
		metricAuthRejects.Inc()
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure, // dev-only escape hatch
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID := newConnID()
	sess := NewSession(claims.AccountID, connID, g.sendQueueSize)

	metricSessionsTotal.Inc()
	metricActiveSessions.Inc()
	g.log.Info("ws.session.open", "conn_id", connID, "account_id", claims.AccountID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once

		// subMu guards subscribed: the read loop adds entries while
		// shutdown may run from the writer or heartbeat goroutine.
		subMu      sync.Mutex
		subscribed = make(map[string]*Channel)
	)

	// shutdown is idempotent. It does NOT close sess.Send.
	// Broadcast safety: sess.Send remains open and channel removal happens before sess.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			subMu.Lock()
			for _, ch := range subscribed {
				ch.Unsubscribe(connID)
			}
			subscribed = nil
			subMu.Unlock()

			sess.Close()
			_ = conn.Close(code, reason)
			cancel()

			metricActiveSessions.Dec()
			g.log.Info("ws.session.close", "conn_id", connID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case env := <-sess.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, sess, v1.CodeBadEnvelope, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, sess, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, sess, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Op {
		case v1.OpSubscribe:
			ch, err := g.onSubscribe(ctx, sess, env)
			if err != nil {
				g.trySendError(ctx, sess, errorCode(err), err.Error())
				continue readLoop
			}

			subMu.Lock()
			if subscribed != nil {
				subscribed[ch.ChatID] = ch
			}
			subMu.Unlock()

		case v1.OpSend:
			if err := g.onSend(ctx, sess, env, now); err != nil {
				g.trySendError(ctx, sess, errorCode(err), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, sess, v1.CodeBadEnvelope, fmt.Sprintf("unsupported op: %s", env.Op))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handshake auth ----

// authenticate verifies the bearer token and resolves the bound account.
func (g *Gateway) authenticate(r *http.Request) (auth.AccessClaims, error) {
	if g.tokens == nil {
		return auth.AccessClaims{}, errors.New("no token manager configured")
	}

	token := bearerToken(r)
	if token == "" {
		return auth.AccessClaims{}, errors.New("missing token")
	}

	return g.tokens.Verify(token, time.Now().UTC())
}

// bearerToken extracts the handshake token from the Authorization header or,
// for browser clients that cannot set headers on websocket dials, the token
// query parameter.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ---- handlers ----

func (g *Gateway) onSubscribe(ctx context.Context, sess *Session, env v1.Envelope) (*Channel, error) {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	chatID := strings.TrimSpace(p.ChatID)
	if chatID == "" {
		return nil, chat.ErrInvalidOperation
	}

	ok, err := g.store.IsParticipant(ctx, chatID, sess.AccountID)
	if err != nil {
		return nil, fmt.Errorf("participant check: %w", err)
	}
	if !ok {
		return nil, chat.ErrForbidden
	}

	ch := g.hub.Channel(chatID)
	ch.Subscribe(sess)

	echoPayload, _ := json.Marshal(v1.SubscribedPayload{ChatID: chatID})
	echo := newEnvelope(v1.OpSubscribed, echoPayload, time.Now().UTC())

	if !g.enqueue(ctx, sess, echo) {
		ch.Unsubscribe(sess.ConnID)
		return nil, errors.New("backpressure: subscribe echo")
	}

	return ch, nil
}

func (g *Gateway) onSend(ctx context.Context, sess *Session, env v1.Envelope, now time.Time) error {
	var p v1.SendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	chatID := strings.TrimSpace(p.ChatID)
	if chatID == "" {
		return chat.ErrInvalidOperation
	}

	clientMsgID := strings.TrimSpace(p.ClientMsgID)
	if clientMsgID == "" {
		// Clients that skip correlation still get idempotency per attempt.
		clientMsgID = uuid.NewString()
	}

	// Append and fan-out run under the chat's send lock so subscribers see
	// broadcasts in exactly append order.
	ch := g.hub.Channel(chatID)

	var sendErr error
	ch.WithSendLock(func() {
		res, err := g.store.AppendMessage(ctx, chat.AppendInput{
			ChatID:      chatID,
			Sender:      sess.AccountID,
			ClientMsgID: clientMsgID,
			Text:        p.Text,
			Now:         now,
		})
		if err != nil {
			sendErr = err
			return
		}

		stored := res.Message
		metricAppends.WithLabelValues(strconv.FormatBool(res.Duplicate)).Inc()

		ackPayload, _ := json.Marshal(v1.AckPayload{
			ChatID:      stored.ChatID,
			ClientMsgID: stored.ClientMsgID,
			MessageID:   stored.ID,
			Seq:         stored.Seq,
			Duplicate:   res.Duplicate,
		})
		ack := newEnvelope(v1.OpAck, ackPayload, now)

		if !g.enqueue(ctx, sess, ack) {
			sendErr = errors.New("backpressure: ack")
			return
		}

		if res.Duplicate {
			return
		}

		// Publish strictly after the durable append above.
		msgPayload, _ := json.Marshal(v1.MessagePayload{
			ChatID:      stored.ChatID,
			MessageID:   stored.ID,
			ClientMsgID: stored.ClientMsgID,
			Seq:         stored.Seq,
			Sender:      stored.Sender,
			Text:        stored.Text,
			ServerTS:    stored.ServerTS,
		})
		ch.Publish(newEnvelope(v1.OpMessage, msgPayload, now))
	})
	return sendErr
}

// errorCode maps store errors to wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrForbidden):
		return v1.CodeForbidden
	case errors.Is(err, chat.ErrInvalidOperation),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrChatNotFound),
		errors.Is(err, chat.ErrMessageNotFound):
		return v1.CodeInvalidOperation
	default:
		return v1.CodeUnavailable
	}
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, sess *Session, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.OpError, p, time.Now().UTC())
	_ = g.enqueue(ctx, sess, env)
}

func (g *Gateway) enqueue(ctx context.Context, sess *Session, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-sess.Done():
		return false
	case sess.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newConnID() string {
	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return NewRandomHex(10)
	}
	return id
}

func newEnvelope(op string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := ids.NewULID(ts)
	if err != nil {
		id = NewRandomHex(10)
	}
	return v1.Envelope{
		V:       v1.Version,
		Op:      op,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
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

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
