package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "quad/shared/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnvelope(t *testing.T, op string, payload any) v1.Envelope {
	t.Helper()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return v1.Envelope{V: v1.Version, Op: op, ID: "e-1", TS: time.Now().UTC(), Payload: data}
}

func TestChannel_PublishFanout(t *testing.T) {
	t.Parallel()

	ch := NewChannel(testLogger(), "chat-1")

	a := NewSession("alice", "conn-a", 8)
	b := NewSession("bob", "conn-b", 8)
	ch.Subscribe(a)
	ch.Subscribe(b)

	env := testEnvelope(t, v1.OpMessage, v1.MessagePayload{ChatID: "chat-1", MessageID: "m-1", Seq: 1})
	ch.Publish(env)

	for _, s := range []*Session{a, b} {
		select {
		case got := <-s.Send:
			if got.Op != v1.OpMessage {
				t.Fatalf("%s: op=%q", s.ConnID, got.Op)
			}
		default:
			t.Fatalf("%s: no delivery", s.ConnID)
		}
	}
}

func TestChannel_PublishPreservesOrder(t *testing.T) {
	t.Parallel()

	ch := NewChannel(testLogger(), "chat-1")
	s := NewSession("alice", "conn-a", 16)
	ch.Subscribe(s)

	for i := 1; i <= 5; i++ {
		ch.Publish(testEnvelope(t, v1.OpMessage, v1.MessagePayload{ChatID: "chat-1", Seq: int64(i)}))
	}

	for i := 1; i <= 5; i++ {
		env := <-s.Send
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.Seq != int64(i) {
			t.Fatalf("delivery order broken: got seq %d want %d", p.Seq, i)
		}
	}
}

func TestChannel_PublishDropsOnBackpressure(t *testing.T) {
	t.Parallel()

	ch := NewChannel(testLogger(), "chat-1")

	slow := NewSession("alice", "conn-slow", 32)
	fast := NewSession("bob", "conn-fast", 64)
	ch.Subscribe(slow)
	ch.Subscribe(fast)

	// Fill the slow session's queue.
	for i := 0; i < cap(slow.Send); i++ {
		slow.Send <- testEnvelope(t, v1.OpMessage, v1.MessagePayload{Seq: int64(i)})
	}

	// Publish must not block even though slow cannot take more.
	done := make(chan struct{})
	go func() {
		ch.Publish(testEnvelope(t, v1.OpMessage, v1.MessagePayload{Seq: 999}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a full subscriber queue")
	}

	select {
	case <-fast.Send:
	default:
		t.Fatalf("fast subscriber missed the delivery")
	}
}

func TestChannel_PublishSkipsClosedSessions(t *testing.T) {
	t.Parallel()

	ch := NewChannel(testLogger(), "chat-1")
	s := NewSession("alice", "conn-a", 8)
	ch.Subscribe(s)

	s.Close()
	ch.Publish(testEnvelope(t, v1.OpMessage, v1.MessagePayload{Seq: 1}))

	select {
	case env := <-s.Send:
		t.Fatalf("delivery to closed session: %+v", env)
	default:
	}
}

func TestChannel_UnsubscribeDoesNotCloseSession(t *testing.T) {
	t.Parallel()

	chatA := NewChannel(testLogger(), "chat-a")
	chatB := NewChannel(testLogger(), "chat-b")

	s := NewSession("alice", "conn-a", 8)
	chatA.Subscribe(s)
	chatB.Subscribe(s)

	// Leaving one chat must not tear down delivery for the other.
	chatA.Unsubscribe(s.ConnID)

	select {
	case <-s.Done():
		t.Fatalf("unsubscribe closed the session")
	default:
	}

	chatA.Publish(testEnvelope(t, v1.OpMessage, v1.MessagePayload{Seq: 1}))
	select {
	case env := <-s.Send:
		t.Fatalf("delivery after unsubscribe: %+v", env)
	default:
	}

	chatB.Publish(testEnvelope(t, v1.OpMessage, v1.MessagePayload{Seq: 2}))
	select {
	case <-s.Send:
	default:
		t.Fatalf("other chat's subscription broken by unsubscribe")
	}
}

func TestHub_ChannelIsStable(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())

	c1 := h.Channel("chat-1")
	c2 := h.Channel("chat-1")
	if c1 != c2 {
		t.Fatalf("hub returned two handles for one chat")
	}
	if h.Channel("chat-2") == c1 {
		t.Fatalf("distinct chats share a channel")
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	t.Parallel()

	s := NewSession("alice", "conn-a", 8)
	s.Close()
	s.Close() // must not panic

	select {
	case <-s.Done():
	default:
		t.Fatalf("Done not closed after Close")
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d refused under limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("event allowed over limit")
	}

	// The window slides: old events expire.
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("event refused after window slid")
	}
}
