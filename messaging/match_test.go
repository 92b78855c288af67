package messaging

import (
	"testing"
	"time"

	"github.com/opd-ai/courier/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendAndAck drives a new message to Sent. An empty serverID simulates an
// acknowledgment without an id.
func sendAndAck(t *testing.T, m *Machine, content, serverID string) *Message {
	t.Helper()
	msg, err := m.Create(testDraft(content))
	require.NoError(t, err)
	_, err = m.BeginSend(msg.ClientID)
	require.NoError(t, err)
	out, err := m.UpdateFromServerResponse(msg.ClientID, &interfaces.ServerMessage{ID: serverID})
	require.NoError(t, err)
	return out
}

func pushFor(content string) PushEvent {
	return PushEvent{ConversationID: "conv-1", SenderID: "alice", Content: content, Kind: PushDelivered}
}

func TestFingerprintIgnoresAttachmentOrder(t *testing.T) {
	a := Fingerprint("x", []string{"1", "2"})
	b := Fingerprint("x", []string{"2", "1"})
	c := Fingerprint("x", []string{"1"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, Fingerprint("x1", nil), Fingerprint("x", []string{"1"}))
	assert.NotEqual(t, Fingerprint("a\x00b", nil), Fingerprint("a", []string{"b"}))
	assert.NotEqual(t, Fingerprint("a", []string{"b\x00c"}), Fingerprint("a", []string{"b", "c"}))
}

func TestMatchExactServerID(t *testing.T) {
	m, _ := newTestMachine(t)
	sent := sendAndAck(t, m, "hello", "srv-1")

	out := m.MatchPushEvent(PushEvent{ServerID: "srv-1", Kind: PushDelivered})
	assert.Equal(t, MatchExact, out.Result)
	require.NotNil(t, out.Message)
	assert.Equal(t, sent.ClientID, out.Message.ClientID)
	assert.Equal(t, MessageStateDelivered, out.Message.State)

	again := m.MatchPushEvent(PushEvent{ServerID: "srv-1", Kind: PushDelivered})
	assert.Equal(t, MatchDuplicate, again.Result)
}

func TestMatchReadPassesThroughDelivered(t *testing.T) {
	m, _ := newTestMachine(t)
	sendAndAck(t, m, "hello", "srv-1")

	var path []MessageState
	m.Subscribe(func(ev Event) {
		if ev.Type == EventUpdated {
			path = append(path, ev.To)
		}
	})

	out := m.MatchPushEvent(PushEvent{ServerID: "srv-1", Kind: PushRead})
	assert.Equal(t, MatchExact, out.Result)
	assert.Equal(t, MessageStateRead, out.Message.State)
	assert.Equal(t, []MessageState{MessageStateDelivered, MessageStateRead}, path)

	dup := m.MatchPushEvent(PushEvent{ServerID: "srv-1", Kind: PushRead})
	assert.Equal(t, MatchDuplicate, dup.Result)
}

func TestMatchHeuristic(t *testing.T) {
	m, _ := newTestMachine(t)
	sent := sendAndAck(t, m, "hello", "")

	ev := pushFor("hello")
	ev.ServerID = "srv-77"
	out := m.MatchPushEvent(ev)
	assert.Equal(t, MatchHeuristic, out.Result)
	assert.Equal(t, sent.ClientID, out.Message.ClientID)
	assert.Equal(t, "srv-77", out.Message.ServerID)
	assert.Equal(t, MessageStateDelivered, out.Message.State)
}

func TestMatchHeuristicRequiresSameFingerprint(t *testing.T) {
	m, _ := newTestMachine(t)
	sendAndAck(t, m, "hello", "")

	out := m.MatchPushEvent(pushFor("goodbye"))
	assert.Equal(t, MatchNone, out.Result)
	assert.False(t, out.Parked)
	assert.Equal(t, 0, m.ParkedEvents())
}

func TestUnmatchedEventWithoutServerIDIsDropped(t *testing.T) {
	m, clock := newTestMachine(t)

	out := m.MatchPushEvent(pushFor("ok"))
	assert.Equal(t, MatchNone, out.Result)
	assert.False(t, out.Parked)
	assert.Equal(t, 0, m.ParkedEvents())

	// A message created afterwards with the same payload stays Sent.
	clock.Advance(10 * time.Second)
	msg := sendAndAck(t, m, "ok", "srv-local")
	assert.Equal(t, MessageStateSent, msg.State)
	assert.True(t, msg.DeliveredAt.IsZero())
}

func TestParkedEventRequiresOwnServerID(t *testing.T) {
	m, _ := newTestMachine(t)

	ev := pushFor("ok")
	ev.ServerID = "srv-9"
	out := m.MatchPushEvent(ev)
	assert.True(t, out.Parked)

	// Same payload, different acknowledged id: the parked event stays put.
	other := sendAndAck(t, m, "ok", "srv-10")
	assert.Equal(t, MessageStateSent, other.State)
	assert.Equal(t, 1, m.ParkedEvents())
}

func TestMatchHeuristicSkipsDifferentServerID(t *testing.T) {
	m, _ := newTestMachine(t)
	sendAndAck(t, m, "hello", "srv-1")

	ev := pushFor("hello")
	ev.ServerID = "srv-2"
	out := m.MatchPushEvent(ev)
	assert.Equal(t, MatchNone, out.Result)
}

func TestMatchHeuristicWindow(t *testing.T) {
	m, clock := newTestMachine(t)
	sendAndAck(t, m, "hello", "")

	ev := pushFor("hello")
	ev.CreatedAt = clock.Now().Add(2 * time.Minute)
	out := m.MatchPushEvent(ev)
	assert.Equal(t, MatchNone, out.Result)
}

func TestMatchPicksClosestThenEarliest(t *testing.T) {
	m, clock := newTestMachine(t)
	first := sendAndAck(t, m, "same", "")
	clock.Advance(10 * time.Second)
	second := sendAndAck(t, m, "same", "")

	ev := pushFor("same")
	ev.CreatedAt = clock.Now().Add(time.Second)
	out := m.MatchPushEvent(ev)
	require.Equal(t, MatchHeuristic, out.Result)
	assert.Equal(t, second.ClientID, out.Message.ClientID)
	assert.NotEqual(t, first.ClientID, out.Message.ClientID)

	// Equidistant candidates resolve to the earliest created entity.
	m2, clock2 := newTestMachine(t)
	a := sendAndAck(t, m2, "same", "")
	clock2.Advance(2 * time.Second)
	sendAndAck(t, m2, "same", "")
	ev2 := pushFor("same")
	ev2.CreatedAt = testEpoch.Add(time.Second)
	out2 := m2.MatchPushEvent(ev2)
	require.Equal(t, MatchHeuristic, out2.Result)
	assert.Equal(t, a.ClientID, out2.Message.ClientID)
}

func TestParkedEventAppliedOnLateAck(t *testing.T) {
	m, _ := newTestMachine(t)
	msg, err := m.Create(testDraft("hello"))
	require.NoError(t, err)
	_, err = m.BeginSend(msg.ClientID)
	require.NoError(t, err)

	out := m.MatchPushEvent(PushEvent{ServerID: "srv-5", Kind: PushDelivered})
	assert.Equal(t, MatchNone, out.Result)
	assert.Equal(t, 1, m.ParkedEvents())

	acked, err := m.UpdateFromServerResponse(msg.ClientID, &interfaces.ServerMessage{ID: "srv-5"})
	require.NoError(t, err)
	assert.Equal(t, MessageStateDelivered, acked.State)
	assert.Equal(t, 0, m.ParkedEvents())
}

func TestParkedEventExpires(t *testing.T) {
	m, clock := newTestMachine(t)
	msg, _ := m.Create(testDraft("hello"))
	_, _ = m.BeginSend(msg.ClientID)

	m.MatchPushEvent(PushEvent{ServerID: "srv-5", Kind: PushDelivered})
	clock.Advance(2 * time.Minute)

	// The send timer fired meanwhile; the ack resumes from Timeout.
	acked, err := m.UpdateFromServerResponse(msg.ClientID, &interfaces.ServerMessage{ID: "srv-5"})
	require.NoError(t, err)
	assert.Equal(t, MessageStateSent, acked.State)
	assert.Equal(t, 0, m.ParkedEvents())
}
