package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/opd-ai/courier/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"message.delivered","server_id":"99","conversation_id":"42",
		"sender_id":"7","content":"hello","attachment_ids":["a1"],"created_at":"2024-03-01T12:00:05Z"}`))
	require.NoError(t, err)
	assert.Equal(t, messaging.PushDelivered, ev.Kind)
	assert.Equal(t, "99", ev.ServerID)
	assert.Equal(t, "42", ev.ConversationID)
	assert.Equal(t, []string{"a1"}, ev.AttachmentIDs)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC), ev.CreatedAt.UTC())

	ev, err = DecodeEvent([]byte(`{"type":"message.read","server_id":"99"}`))
	require.NoError(t, err)
	assert.Equal(t, messaging.PushRead, ev.Kind)

	_, err = DecodeEvent([]byte(`{"type":"typing.started","conversation_id":"42"}`))
	assert.ErrorIs(t, err, ErrIgnoredEvent)
	_, err = DecodeEvent([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
	_, err = DecodeEvent([]byte(`{"type":"message.read"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestEncodeDecodeKeepsKind(t *testing.T) {
	in := messaging.PushEvent{ServerID: "5", ConversationID: "c", Kind: messaging.PushRead}
	data, err := EncodeEvent(in)
	require.NoError(t, err)
	out, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.ServerID, out.ServerID)
}

type collector struct {
	mu     sync.Mutex
	events []messaging.PushEvent
	got    chan struct{}
}

func newCollector() *collector { return &collector{got: make(chan struct{}, 16)} }

func (c *collector) handle(ev messaging.PushEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []messaging.PushEvent {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]messaging.PushEvent(nil), c.events...)
}

func TestWebSocketListenerDeliversInOrderAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		if n == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message.delivered","server_id":"1"}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message.read","server_id":"1"}`))
			return // drop the connection
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message.delivered","server_id":"2"}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	var statusMu sync.Mutex
	var statuses []bool
	l := &WebSocketListener{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay: 10 * time.Millisecond,
		OnStatus: func(c bool) {
			statusMu.Lock()
			statuses = append(statuses, c)
			statusMu.Unlock()
		},
	}

	c := newCollector()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, c.handle) }()

	events := c.wait(t, 3)
	assert.Equal(t, "1", events[0].ServerID)
	assert.Equal(t, messaging.PushDelivered, events[0].Kind)
	assert.Equal(t, messaging.PushRead, events[1].Kind)
	assert.Equal(t, "2", events[2].ServerID)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}

	statusMu.Lock()
	defer statusMu.Unlock()
	require.GreaterOrEqual(t, len(statuses), 3)
	assert.Equal(t, []bool{true, false, true}, statuses[:3])
}

func TestNATSListener(t *testing.T) {
	url := os.Getenv("COURIER_TEST_NATS_URL")
	if url == "" {
		t.Skip("COURIER_TEST_NATS_URL not set")
	}
	subject := "courier.test." + strings.ReplaceAll(t.Name(), "/", ".")
	l := &NATSListener{URL: url, Subject: subject}

	c := newCollector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx, c.handle) }()

	pub, err := nats.Connect(url)
	require.NoError(t, err)
	defer pub.Close()

	data, err := EncodeEvent(messaging.PushEvent{ServerID: "n1", Kind: messaging.PushDelivered})
	require.NoError(t, err)

	// The subscription is asynchronous; publish until it is observed.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, pub.Publish(subject, data))
		require.NoError(t, pub.Flush())
		select {
		case <-c.got:
			c.mu.Lock()
			assert.Equal(t, "n1", c.events[0].ServerID)
			c.mu.Unlock()
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("no event received")
}
