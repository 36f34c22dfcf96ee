// Package main provides a CI-friendly smoke test for the Quad messaging core.
//
// It validates, against a running server with QUAD_DEV_TOKEN_MINT=true:
//   - dev token mint + chat resolution over HTTP
//   - handshake + subprotocol selection
//   - subscribe echo
//   - send -> ack with server ids
//   - fanout to the peer client
//   - idempotent dedupe by client_msg_id (duplicate ack, no re-broadcast)
//   - mark-read + unread count over HTTP
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "quad/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name  string
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		acctA   = flag.String("a", "smoke-alice", "First account id")
		acctB   = flag.String("b", "smoke-bob", "Second account id")
		text    = flag.String("text", "hello quad 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base := strings.TrimRight(*baseURL, "/")
	if err := validateBaseURL(base); err != nil {
		fatalf("invalid -base: %v", err)
	}
	wsURL := wsURLFor(base)

	root := context.Background()

	tokenA := mustMintToken(root, base, *acctA, *timeout)
	tokenB := mustMintToken(root, base, *acctB, *timeout)

	chatID := mustResolveChat(root, base, tokenA, *acctB, *timeout)
	if *verbose {
		fmt.Printf("chat resolved: %s\n", chatID)
	}
	if again := mustResolveChat(root, base, tokenB, *acctA, *timeout); again != chatID {
		fatalf("chat resolution not idempotent across the pair: %s != %s", again, chatID)
	}

	a := mustConnect(root, "A", wsURL, tokenA, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", wsURL, tokenB, *timeout)
	defer closeWS(b.conn)

	mustSubscribe(root, a, chatID, *timeout)
	mustSubscribe(root, b, chatID, *timeout)

	clientMsgID := uuid.NewString()

	msgID, seq := mustSendAndAssertAck(root, a, chatID, clientMsgID, *text, *timeout, false)
	if *verbose {
		fmt.Printf("appended: id=%s seq=%d\n", msgID, seq)
	}

	mustReceiveMessage(b, chatID, msgID, seq, *text, *timeout)

	// Resend with the same correlation id: duplicate ack, same ids, no fanout.
	dupID, dupSeq := mustSendAndAssertAck(root, a, chatID, clientMsgID, *text, *timeout, true)
	if dupID != msgID || dupSeq != seq {
		fatalf("duplicate ack ids diverged: id=%s seq=%d want id=%s seq=%d", dupID, dupSeq, msgID, seq)
	}
	assertNoMessage(b, *timeout/2)

	unread := mustUnread(root, base, tokenB, chatID, *timeout)
	if unread != 1 {
		fatalf("unread for B: got %d want 1", unread)
	}
	if after := mustMarkRead(root, base, tokenB, chatID, seq, *timeout); after != 0 {
		fatalf("unread after mark-read: got %d want 0", after)
	}

	fmt.Println("ws-smoke: OK")
}

// ---- HTTP steps ----

func mustMintToken(ctx context.Context, base, accountID string, timeout time.Duration) string {
	var out struct {
		Token string `json:"token"`
	}
	status := doJSON(ctx, http.MethodPost, base+"/api/dev/token", "",
		map[string]string{"account_id": accountID}, &out, timeout)
	if status != http.StatusOK || out.Token == "" {
		fatalf("dev token mint for %s: status=%d (is QUAD_DEV_TOKEN_MINT=true?)", accountID, status)
	}
	return out.Token
}

func mustResolveChat(ctx context.Context, base, token, target string, timeout time.Duration) string {
	var out struct {
		ChatID string `json:"chat_id"`
	}
	status := doJSON(ctx, http.MethodPost, base+"/api/chats", token,
		map[string]string{"target_account_id": target}, &out, timeout)
	if status != http.StatusOK || out.ChatID == "" {
		fatalf("resolve chat: status=%d", status)
	}
	return out.ChatID
}

func mustUnread(ctx context.Context, base, token, chatID string, timeout time.Duration) int64 {
	var out struct {
		Unread int64 `json:"unread"`
	}
	status := doJSON(ctx, http.MethodGet, base+"/api/chats/"+chatID+"/unread", token, nil, &out, timeout)
	if status != http.StatusOK {
		fatalf("unread: status=%d", status)
	}
	return out.Unread
}

func mustMarkRead(ctx context.Context, base, token, chatID string, throughSeq int64, timeout time.Duration) int64 {
	var out struct {
		Unread int64 `json:"unread"`
	}
	status := doJSON(ctx, http.MethodPost, base+"/api/chats/"+chatID+"/read", token,
		map[string]int64{"through_seq": throughSeq}, &out, timeout)
	if status != http.StatusOK {
		fatalf("mark read: status=%d", status)
	}
	return out.Unread
}

func doJSON(ctx context.Context, method, url, token string, in, out any, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

// ---- WS steps ----

func mustConnect(ctx context.Context, name, wsURL, token string, timeout time.Duration) *smokeClient {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(dctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if err != nil {
		fatalf("%s: dial: %v", name, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		fatalf("%s: subprotocol: got %q want %q", name, sp, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 32),
		errCh: make(chan error, 1),
	}
	go c.readLoop(ctx)
	return c
}

func (c *smokeClient) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.errCh <- err
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.errCh <- fmt.Errorf("decode: %w", err)
			return
		}
		c.inbox <- env
	}
}

func (c *smokeClient) send(ctx context.Context, env v1.Envelope, timeout time.Duration) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(env)
	if err != nil {
		fatalf("%s: marshal: %v", c.name, err)
	}
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		fatalf("%s: write: %v", c.name, err)
	}
}

func (c *smokeClient) await(op string, timeout time.Duration) v1.Envelope {
	deadline := time.After(timeout)
	for {
		select {
		case env := <-c.inbox:
			if env.Op == v1.OpError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("%s: server error while awaiting %q: %s %s", c.name, op, ep.Code, ep.Message)
			}
			if env.Op == op {
				return env
			}
			// Ignore unrelated frames (e.g. own fanout echo).
		case err := <-c.errCh:
			fatalf("%s: read: %v", c.name, err)
		case <-deadline:
			fatalf("%s: timeout awaiting %q", c.name, op)
		}
	}
}

func mustSubscribe(ctx context.Context, c *smokeClient, chatID string, timeout time.Duration) {
	payload, _ := json.Marshal(v1.SubscribePayload{ChatID: chatID})
	c.send(ctx, v1.Envelope{V: v1.Version, Op: v1.OpSubscribe, TS: time.Now().UTC(), Payload: payload}, timeout)

	env := c.await(v1.OpSubscribed, timeout)
	var sub v1.SubscribedPayload
	if err := json.Unmarshal(env.Payload, &sub); err != nil || sub.ChatID != chatID {
		fatalf("%s: bad subscribed echo: err=%v chat=%q", c.name, err, sub.ChatID)
	}
}

func mustSendAndAssertAck(ctx context.Context, c *smokeClient, chatID, clientMsgID, text string, timeout time.Duration, wantDup bool) (string, int64) {
	payload, _ := json.Marshal(v1.SendPayload{ChatID: chatID, ClientMsgID: clientMsgID, Text: text})
	c.send(ctx, v1.Envelope{V: v1.Version, Op: v1.OpSend, TS: time.Now().UTC(), Payload: payload}, timeout)

	env := c.await(v1.OpAck, timeout)
	var ack v1.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		fatalf("%s: decode ack: %v", c.name, err)
	}
	if ack.ClientMsgID != clientMsgID {
		fatalf("%s: ack correlation: got %q want %q", c.name, ack.ClientMsgID, clientMsgID)
	}
	if ack.Duplicate != wantDup {
		fatalf("%s: ack duplicate: got %v want %v", c.name, ack.Duplicate, wantDup)
	}
	if ack.MessageID == "" || ack.Seq <= 0 {
		fatalf("%s: ack missing server ids: %+v", c.name, ack)
	}
	return ack.MessageID, ack.Seq
}

func mustReceiveMessage(c *smokeClient, chatID, msgID string, seq int64, text string, timeout time.Duration) {
	env := c.await(v1.OpMessage, timeout)
	var msg v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		fatalf("%s: decode message: %v", c.name, err)
	}
	if msg.ChatID != chatID || msg.MessageID != msgID || msg.Seq != seq || msg.Text != text {
		fatalf("%s: fanout mismatch: %+v", c.name, msg)
	}
}

func assertNoMessage(c *smokeClient, wait time.Duration) {
	deadline := time.After(wait)
	for {
		select {
		case env := <-c.inbox:
			if env.Op == v1.OpMessage {
				fatalf("%s: unexpected re-broadcast of duplicate send", c.name)
			}
		case <-deadline:
			return
		}
	}
}

// ---- helpers ----

func validateBaseURL(base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func wsURLFor(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ws-smoke: "+format+"\n", args...)
	os.Exit(1)
}
