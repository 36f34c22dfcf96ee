package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"quad/cmd/internal/auth"
	"quad/cmd/internal/chat"
	v1 "quad/shared/contracts/chat/v1"
)

func testTokens(t *testing.T) auth.TokenManager {
	t.Helper()

	m, err := auth.NewHS256Manager(auth.Config{
		Secret:    []byte(strings.Repeat("s", 32)),
		Issuer:    "quad-test",
		AccessTTL: 15 * time.Minute,
		ClockSkew: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	return m
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "header", header: "Bearer tok-1", want: "tok-1"},
		{name: "header case insensitive", header: "bearer tok-1", want: "tok-1"},
		{name: "header wins over query", header: "Bearer tok-h", query: "tok-q", want: "tok-h"},
		{name: "malformed header does not fall back", header: "Basic dXNlcg==", query: "tok-q", want: ""},
		{name: "bare token header", header: "tok-1", want: ""},
		{name: "query fallback", query: "tok-q", want: "tok-q"},
		{name: "nothing", want: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if tc.query != "" {
				q := r.URL.Query()
				q.Set("token", tc.query)
				r.URL.RawQuery = q.Encode()
			}

			if got := bearerToken(r); got != tc.want {
				t.Fatalf("bearerToken: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{err: chat.ErrForbidden, want: v1.CodeForbidden},
		{err: chat.ErrInvalidOperation, want: v1.CodeInvalidOperation},
		{err: chat.ErrEmptyMessage, want: v1.CodeInvalidOperation},
		{err: chat.ErrChatNotFound, want: v1.CodeInvalidOperation},
		{err: chat.ErrMessageNotFound, want: v1.CodeInvalidOperation},
		{err: errors.New("pool exhausted"), want: v1.CodeUnavailable},
	}

	for _, tc := range cases {
		if got := errorCode(tc.err); got != tc.want {
			t.Fatalf("errorCode(%v): got %q want %q", tc.err, got, tc.want)
		}
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		origin   string
		required bool
		allowed  []string
		wantErr  bool
	}{
		{name: "missing origin refused when required", origin: "", required: true, allowed: []string{"http://localhost"}, wantErr: true},
		{name: "missing origin ok when optional", origin: "", required: false, allowed: []string{"http://localhost"}, wantErr: false},
		{name: "full origin match", origin: "http://localhost", required: true, allowed: []string{"http://localhost"}, wantErr: false},
		{name: "host match ignores port", origin: "http://localhost:5173", required: true, allowed: []string{"http://localhost"}, wantErr: false},
		{name: "host match ignores scheme", origin: "https://localhost", required: true, allowed: []string{"http://localhost"}, wantErr: false},
		{name: "wildcard honored", origin: "https://evil.example", required: true, allowed: []string{"*"}, wantErr: false},
		{name: "unlisted origin refused", origin: "https://evil.example", required: true, allowed: []string{"http://localhost", "http://127.0.0.1"}, wantErr: true},
		{name: "empty allowlist refuses all", origin: "http://localhost", required: true, allowed: nil, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := &Gateway{log: testLogger(), originRequired: tc.required, allowedOrigins: tc.allowed}

			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}

			err := g.enforceOrigin(r)
			if tc.wantErr && err == nil {
				t.Fatalf("expected rejection")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected rejection: %v", err)
			}
		})
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://localhost", want: "localhost"},
		{in: "http://localhost:5173", want: "localhost"},
		{in: "https://Quad.Example.EDU", want: "quad.example.edu"},
		{in: "localhost:8080", want: "localhost"},
		{in: "localhost", want: "localhost"},
		{in: "  ", want: ""},
		{in: "http://", want: ""},
	}

	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q): got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginPatternsFromAllowedOrigins(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost",
		"http://localhost:5173", // same host, deduped
		"http://127.0.0.1",
		"*", // wildcard is not a host pattern
		"",
	})

	want := []string{"127.0.0.1", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("patterns: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns: got %v want %v", got, want)
		}
	}
}

func TestGateway_BroadcastOrderMatchesAppendOrder(t *testing.T) {
	store := chat.NewMemoryStore()
	g := NewGateway(testLogger(), NewHub(testLogger()), store, testTokens(t))

	ctx := context.Background()
	c, err := store.ResolveOrCreateChat(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	const perSender = 500

	sub := NewSession("bob", "conn-sub", 2*perSender+64)
	g.hub.Channel(c.ID).Subscribe(sub)

	send := func(sess *Session, prefix string) {
		for i := 0; i < perSender; i++ {
			payload, err := json.Marshal(v1.SendPayload{
				ChatID:      c.ID,
				ClientMsgID: fmt.Sprintf("%s-%d", prefix, i),
				Text:        "hi",
			})
			if err != nil {
				t.Errorf("marshal: %v", err)
				return
			}
			env := v1.Envelope{V: v1.Version, Op: v1.OpSend, TS: time.Now().UTC(), Payload: payload}
			if err := g.onSend(ctx, sess, env, time.Now().UTC()); err != nil {
				t.Errorf("send %s-%d: %v", prefix, i, err)
				return
			}
		}
	}

	alice := NewSession("alice", "conn-alice", perSender+8)
	bob := NewSession("bob", "conn-bob", perSender+8)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); send(alice, "a") }()
	go func() { defer wg.Done(); send(bob, "b") }()
	wg.Wait()

	// Subscribers must observe broadcasts in exactly append (seq) order.
	var prev int64
	delivered := 0
drain:
	for {
		select {
		case env := <-sub.Send:
			if env.Op != v1.OpMessage {
				continue
			}
			var p v1.MessagePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p.Seq <= prev {
				t.Fatalf("delivery order broken: got seq %d after %d (delivery index %d)", p.Seq, prev, delivered)
			}
			prev = p.Seq
			delivered++
		default:
			break drain
		}
	}

	if delivered != 2*perSender {
		t.Fatalf("delivered %d of %d messages", delivered, 2*perSender)
	}
}

func TestHandleWS_RejectsBeforeUpgrade(t *testing.T) {
	g := NewGateway(testLogger(), NewHub(testLogger()), chat.NewMemoryStore(), testTokens(t))

	t.Run("missing origin", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		w := httptest.NewRecorder()

		g.HandleWS(w, r)
		if w.Code != http.StatusForbidden {
			t.Fatalf("status: got %d want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Origin", "http://localhost")
		w := httptest.NewRecorder()

		g.HandleWS(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status: got %d want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Origin", "http://localhost")
		r.Header.Set("Authorization", "Bearer not.a.jwt")
		w := httptest.NewRecorder()

		g.HandleWS(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status: got %d want %d", w.Code, http.StatusUnauthorized)
		}
	})
}
