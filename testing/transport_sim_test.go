package testing

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/opd-ai/courier/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(key string) interfaces.OutboundMessage {
	return interfaces.OutboundMessage{
		ClientID:       "c-" + key,
		IdempotencyKey: key,
		ConversationID: "conv",
		SenderID:       "alice",
		Content:        "hello",
	}
}

func TestSimulatedTransportAssignsServerIDs(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	sim := NewSimulatedTransport(clock)
	require.True(t, sim.IsSimulation())

	first, err := sim.Send(context.Background(), testMessage("k1"))
	require.NoError(t, err)
	second, err := sim.Send(context.Background(), testMessage("k2"))
	require.NoError(t, err)

	assert.Equal(t, "srv-1", first.ID)
	assert.Equal(t, "srv-2", second.ID)
	assert.Equal(t, clock.Now(), first.CreatedAt)
	assert.Len(t, sim.Sends(), 2)
}

func TestSimulatedTransportCollapsesDuplicateKeys(t *testing.T) {
	sim := NewSimulatedTransport(nil)

	first, err := sim.Send(context.Background(), testMessage("same"))
	require.NoError(t, err)
	again, err := sim.Send(context.Background(), testMessage("same"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	stats := sim.GetTypedStats()
	assert.Equal(t, 2, stats.TotalCalls)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.StoredMessages)
	assert.Len(t, sim.Sends(), 1)
}

func TestSimulatedTransportScriptedFailures(t *testing.T) {
	sim := NewSimulatedTransport(nil)
	sim.FailNext(2, http.StatusServiceUnavailable)

	for i := 0; i < 2; i++ {
		_, err := sim.Send(context.Background(), testMessage("k"))
		var te *interfaces.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	}

	_, err := sim.Send(context.Background(), testMessage("k"))
	require.NoError(t, err)
	assert.Equal(t, 0, sim.GetTypedStats().ScriptRemaining)
	assert.Equal(t, 2, sim.GetTypedStats().Failed)
}

func TestSimulatedTransportUnreachable(t *testing.T) {
	sim := NewSimulatedTransport(nil)
	sim.SetReachable(false)

	_, err := sim.Send(context.Background(), testMessage("k"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable))

	var te *interfaces.TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, te.StatusCode)
}

func TestSimulatedTransportHangHonoursDeadline(t *testing.T) {
	sim := NewSimulatedTransport(nil)
	sim.Script(Outcome{Hang: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sim.Send(ctx, testMessage("k"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSimulatedTransportEditAndDelete(t *testing.T) {
	sim := NewSimulatedTransport(nil)
	ctx := context.Background()

	sm, err := sim.Send(ctx, testMessage("k"))
	require.NoError(t, err)

	_, err = sim.Edit(ctx, interfaces.EditRequest{ServerID: sm.ID, Content: "edited"})
	require.NoError(t, err)
	content, ok := sim.Content(sm.ID)
	require.True(t, ok)
	assert.Equal(t, "edited", content)

	require.NoError(t, sim.Delete(ctx, interfaces.DeleteRequest{ServerID: sm.ID}))
	err = sim.Delete(ctx, interfaces.DeleteRequest{ServerID: sm.ID})
	var te *interfaces.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
}

func TestDeliveryLogIsCopied(t *testing.T) {
	sim := NewSimulatedTransport(nil)
	_, err := sim.Send(context.Background(), testMessage("k"))
	require.NoError(t, err)

	log := sim.GetDeliveryLog()
	log[0].ClientID = "mutated"
	assert.Equal(t, "c-k", sim.GetDeliveryLog()[0].ClientID)

	sim.ClearDeliveryLog()
	assert.Empty(t, sim.GetDeliveryLog())
}

func TestPingFollowsReachability(t *testing.T) {
	sim := NewSimulatedTransport(nil)
	sim.FailNext(1, http.StatusInternalServerError)
	require.NoError(t, sim.Ping(context.Background()))

	sim.SetReachable(false)
	assert.ErrorIs(t, sim.Ping(context.Background()), ErrUnreachable)

	// Ping leaves the script untouched.
	sim.SetReachable(true)
	_, err := sim.Send(context.Background(), testMessage("k"))
	assert.Error(t, err)
}
