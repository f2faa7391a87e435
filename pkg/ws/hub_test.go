package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/realtime/pkg/errors"
)

func serve(t *testing.T, h *Hub) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.HandleUpgrade(w, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	return decodeEnvelope(t, b)
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, code, ce.Code)
		return ce
	}
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestHandshakeAuthFailure(t *testing.T) {
	h := newTestHub(t)
	url := serve(t, h)

	ce := expectClose(t, dial(t, url, "bad"), CloseAuthFailed)
	assert.Equal(t, ReasonAuthFailed, ce.Text)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	ce = expectClose(t, conn, CloseAuthFailed)
	assert.Equal(t, ReasonAuthRequired, ce.Text)

	assert.Equal(t, 0, h.registry.Count())
	assert.Equal(t, int64(2), h.Stats(context.Background()).Rejections)
}

func TestHandshakeWelcome(t *testing.T) {
	h := newTestHub(t)
	url := serve(t, h)

	conn := dial(t, url, "u1")
	event, data := readEvent(t, conn)
	require.Equal(t, EventConnected, event)

	var welcome ConnectedPayload
	require.NoError(t, json.Unmarshal(data, &welcome))
	assert.Equal(t, "u1", welcome.UserID)
	assert.NotEmpty(t, welcome.ConnectionID)
	assert.Equal(t, int64(30000), welcome.HeartbeatInterval)

	assert.Eventually(t, func() bool { return h.registry.HasUser("u1") }, time.Second, 10*time.Millisecond)
}

func TestHandshakeBearerSubprotocol(t *testing.T) {
	h := newTestHub(t)
	url := serve(t, h)

	dialer := websocket.Dialer{Subprotocols: []string{bearerProtocol, "u9"}}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, bearerProtocol, conn.Subprotocol())
	event, _ := readEvent(t, conn)
	assert.Equal(t, EventConnected, event)
}

func TestHandshakeRateLimited(t *testing.T) {
	s, _ := redisStore(t)
	limits := testLimits()
	limits.MaxConnectionsPerClient = 0
	h := newTestHub(t, WithStore(s), WithLimits(limits))
	url := serve(t, h)

	for i := 0; i < 100; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url+"?token=u1", nil)
		require.NoError(t, err, "connection %d", i+1)
		event, _ := readEvent(t, conn)
		require.Equal(t, EventConnected, event, "connection %d", i+1)
		_ = conn.Close()
	}

	ce := expectClose(t, dial(t, url, "u1"), CloseTryAgainLater)
	assert.Equal(t, ReasonRateLimited, ce.Text)

	stats := h.Stats(context.Background())
	assert.Equal(t, int64(1), stats.RejectionsByReason[ReasonRateLimited])
}

func TestHandshakeTooManyConnections(t *testing.T) {
	limits := testLimits()
	limits.MaxConnectionsPerClient = 2
	h := newTestHub(t, WithLimits(limits))
	url := serve(t, h)

	for i := 0; i < 2; i++ {
		event, _ := readEvent(t, dial(t, url, "u1"))
		require.Equal(t, EventConnected, event)
	}

	ce := expectClose(t, dial(t, url, "u1"), CloseTryAgainLater)
	assert.Equal(t, ReasonTooManyConns, ce.Text)
}

func TestOfflinePaymentDrainedOnConnect(t *testing.T) {
	h := newTestHub(t)
	url := serve(t, h)
	ctx := context.Background()

	require.NoError(t, h.SendPaymentUpdate(ctx, "u1", PaymentUpdate{
		Type:      "payment_processed",
		PaymentID: "pay-1",
		Amount:    42.5,
		Currency:  "USD",
	}))
	n, err := h.queue.Len(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	conn := dial(t, url, "u1")
	event, _ := readEvent(t, conn)
	require.Equal(t, EventConnected, event)

	event, data := readEvent(t, conn)
	require.Equal(t, EventNotifications, event)

	var batch []QueuedDelivery
	require.NoError(t, json.Unmarshal(data, &batch))
	require.Len(t, batch, 1)
	assert.Equal(t, EventPayment, batch[0].Event)
	assert.JSONEq(t, `{"type":"payment_processed","payment_id":"pay-1","amount":42.5,"currency":"USD"}`, string(batch[0].Data))
	assert.NotZero(t, batch[0].Timestamp)

	n, err = h.queue.Len(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainInBatchesKeepsOrder(t *testing.T) {
	cfg := *DefaultConfig()
	cfg.DrainBatchSize = 2
	h := newTestHub(t, WithConfig(cfg))
	url := serve(t, h)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, h.SendToUser(ctx, "u1", "note", map[string]int{"n": i}))
	}

	conn := dial(t, url, "u1")
	event, _ := readEvent(t, conn)
	require.Equal(t, EventConnected, event)

	var got []string
	for len(got) < 3 {
		event, data := readEvent(t, conn)
		require.Equal(t, EventNotifications, event)
		var batch []QueuedDelivery
		require.NoError(t, json.Unmarshal(data, &batch))
		assert.LessOrEqual(t, len(batch), 2)
		for _, d := range batch {
			got = append(got, string(d.Data))
		}
	}
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, got)
}

func TestLiveDeliveryAndInbound(t *testing.T) {
	h := newTestHub(t)
	require.NoError(t, h.Start(context.Background()))
	url := serve(t, h)
	ctx := context.Background()

	conn := dial(t, url, "u1")
	event, _ := readEvent(t, conn)
	require.Equal(t, EventConnected, event)
	require.Eventually(t, func() bool { return h.registry.HasUser("u1") }, time.Second, 10*time.Millisecond)

	send(t, conn, `{"type":"heartbeat","payload":{"timestamp":123}}`)
	event, data := readEvent(t, conn)
	require.Equal(t, EventHeartbeatAck, event)
	var ack AckPayload
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.Equal(t, int64(123), ack.Timestamp)

	send(t, conn, `{"type":"ping"}`)
	event, _ = readEvent(t, conn)
	assert.Equal(t, EventPong, event)

	send(t, conn, `{"type":"subscribe","payload":["job:7"],"request_id":"r1"}`)
	event, data = readEvent(t, conn)
	require.Equal(t, EventSubscribed, event)
	var topics TopicsAck
	require.NoError(t, json.Unmarshal(data, &topics))
	assert.Equal(t, []string{"job:7"}, topics.Topics)
	assert.Equal(t, "r1", topics.RequestID)

	require.NoError(t, h.EmitJobUpdate(ctx, "7", JobUpdate{Status: "in_progress"}))
	event, _ = readEvent(t, conn)
	assert.Equal(t, EventJobUpdate, event)

	require.NoError(t, h.Notify(ctx, "u1", Notification{Type: NotifyPayment, Title: "Paid", Message: "done"}))
	event, data = readEvent(t, conn)
	require.Equal(t, EventNotification, event)
	var n Notification
	require.NoError(t, json.Unmarshal(data, &n))
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, PriorityMedium, n.Priority)

	send(t, conn, `{"type":"dance"}`)
	event, data = readEvent(t, conn)
	require.Equal(t, EventError, event)
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, ErrHandlerNotFound.Code, e.Code)

	require.NoError(t, h.BroadcastSystemMessage(ctx, "maintenance"))
	event, _ = readEvent(t, conn)
	assert.Equal(t, EventSystemMessage, event)
}

func TestTooManyInvalidMessagesCloses(t *testing.T) {
	h := newTestHub(t)
	url := serve(t, h)

	conn := dial(t, url, "u1")
	readEvent(t, conn)

	for i := 0; i <= h.config.MaxInvalidMessages; i++ {
		send(t, conn, fmt.Sprintf("garbage-%d", i))
	}
	ce := expectClose(t, conn, ClosePolicyViolation)
	assert.Equal(t, ReasonInvalidMessages, ce.Text)
}

func TestHubCloseGoingAway(t *testing.T) {
	h, err := NewHub(WithVerifier(staticVerifier))
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	url := serve(t, h)

	conn := dial(t, url, "u1")
	readEvent(t, conn)
	require.Eventually(t, func() bool { return h.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))

	expectClose(t, conn, CloseGoingAway)
	assert.Equal(t, 0, h.registry.Count())

	rec := httptest.NewRecorder()
	err = h.HandleUpgrade(rec, httptest.NewRequest("GET", "/ws?token=u1", nil))
	assert.True(t, errors.Is(err, ErrHubClosed))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDeliveryFailureQueues(t *testing.T) {
	cfg := *DefaultConfig()
	cfg.SendBufferSize = 1
	h := newTestHub(t, WithConfig(cfg))
	ctx := context.Background()

	c, _ := attach(t, h, "u1")
	require.NoError(t, h.SendToUser(ctx, "u1", "first", nil))
	require.NoError(t, h.SendToUser(ctx, "u1", "second", nil))

	assert.Len(t, drainSend(c), 1)
	msgs, err := h.queue.Peek(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "second", msgs[0].Event)

	// 同用户另一连接接受时不入队
	c2, _ := attach(t, h, "u1")
	require.NoError(t, c.enqueue(frame{data: []byte(`{}`)}))
	require.NoError(t, h.SendToUser(ctx, "u1", "third", nil))
	assert.Len(t, drainSend(c2), 1)

	n, err := h.queue.Len(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandOverRequeues(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	c, _ := attach(t, h, "u1")
	require.NoError(t, h.SendToUser(ctx, "u1", "pending", nil))
	c.Close(CloseGoingAway, ReasonWriteFailed)
	c.handOver(nil)

	msgs, err := h.queue.Peek(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "pending", msgs[0].Event)
}

func TestHandOverToLaterSibling(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	old, _ := attach(t, h, "u1")
	require.NoError(t, h.SendToUser(ctx, "u1", "pending", nil))
	time.Sleep(2 * time.Millisecond)
	old.Close(CloseGoingAway, ReasonWriteFailed)

	fresh, _ := attach(t, h, "u1")
	old.handOver(nil)

	frames := drainSend(fresh)
	require.Len(t, frames, 1)
	event, _ := decodeEnvelope(t, frames[0].data)
	assert.Equal(t, "pending", event)

	n, err := h.queue.Len(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandOverToSiblingOutsideTopic(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	older, _ := attach(t, h, "u1")
	member, _ := attach(t, h, "u1")
	require.NoError(t, h.topics.Join(member, JobTopic("42")))

	require.NoError(t, h.EmitJobUpdate(ctx, "42", JobUpdate{Status: "open"}))
	require.Empty(t, drainSend(older))

	member.Close(CloseGoingAway, ReasonWriteFailed)
	member.handOver(nil)

	frames := drainSend(older)
	require.Len(t, frames, 1)
	event, _ := decodeEnvelope(t, frames[0].data)
	assert.Equal(t, EventJobUpdate, event)
}

func TestHandOverQueuesWhenSiblingMissedIt(t *testing.T) {
	cfg := *DefaultConfig()
	cfg.SendBufferSize = 1
	h := newTestHub(t, WithConfig(cfg))
	ctx := context.Background()

	full, _ := attach(t, h, "u1")
	require.NoError(t, full.enqueue(frame{data: []byte(`{}`)}))
	c, _ := attach(t, h, "u1")

	require.NoError(t, h.SendToUser(ctx, "u1", "pending", nil))
	c.Close(CloseGoingAway, ReasonWriteFailed)
	c.handOver(nil)

	msgs, err := h.queue.Peek(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"pending"}, eventNames(msgs))
	assert.Len(t, drainSend(full), 1)
}

func TestHandOverSkipsSiblingThatAccepted(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	a, _ := attach(t, h, "u1")
	b, _ := attach(t, h, "u1")
	require.NoError(t, h.SendToUser(ctx, "u1", "both", nil))

	a.Close(CloseGoingAway, ReasonWriteFailed)
	a.handOver(nil)

	assert.Len(t, drainSend(b), 1, "no duplicate for b")
	n, err := h.queue.Len(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainStopsOnWriteFailure(t *testing.T) {
	cfg := *DefaultConfig()
	cfg.DrainBatchSize = 1
	h := newTestHub(t, WithConfig(cfg))
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := h.queue.Enqueue(ctx, "u1", QueuedMessage{ID: id, Event: id, EnqueuedAt: time.Now()})
		require.NoError(t, err)
	}

	ft := newFakeTransport()
	ft.failAfter = 2 // connected 与第一批
	c := newConn(h, ft, newID(), &Identity{UserID: "u1"}, "user:u1")

	err := h.accept(ctx, c)
	assert.ErrorIs(t, err, ErrConnClosed)
	assert.True(t, ft.isClosed())
	assert.Equal(t, CloseGoingAway, ft.code())
	assert.Zero(t, h.registry.Count())

	written := ft.frames()
	require.Len(t, written, 2)
	event, data := decodeEnvelope(t, written[1])
	assert.Equal(t, EventNotifications, event)
	var batch []QueuedDelivery
	require.NoError(t, json.Unmarshal(data, &batch))
	require.Len(t, batch, 1)
	assert.Equal(t, "m1", batch[0].Event)

	msgs, err := h.queue.Peek(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, ids(msgs))
}

func eventNames(msgs []QueuedMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Event)
	}
	return out
}
