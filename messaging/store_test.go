package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeMessage(id, conv string, state MessageState, created time.Time) *Message {
	return &Message{ClientID: id, ConversationID: conv, State: state, CreatedAt: created}
}

func TestStoreInsertAndIndices(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Insert(storeMessage("b", "c1", MessageStateQueued, testEpoch.Add(time.Second))))
	require.NoError(t, s.Insert(storeMessage("a", "c1", MessageStateQueued, testEpoch.Add(time.Second))))
	require.NoError(t, s.Insert(storeMessage("z", "c1", MessageStateSent, testEpoch)))
	require.NoError(t, s.Insert(storeMessage("x", "c2", MessageStateQueued, testEpoch)))

	assert.ErrorIs(t, s.Insert(storeMessage("a", "c1", MessageStateDraft, testEpoch)), ErrDuplicateClientID)

	ids := func(msgs []*Message) []string {
		out := make([]string, len(msgs))
		for i, m := range msgs {
			out[i] = m.ClientID
		}
		return out
	}
	assert.Equal(t, []string{"z", "a", "b"}, ids(s.ListConversation("c1")))
	assert.Equal(t, []string{"a", "b"}, ids(s.ListConversation("c1", MessageStateQueued)))
	assert.Equal(t, []string{"x", "a", "b"}, ids(s.ListByState(MessageStateQueued)))
	assert.Equal(t, map[MessageState]int{MessageStateQueued: 3, MessageStateSent: 1}, s.Counts())
}

func TestStoreUpdateReindexes(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Insert(storeMessage("a", "c1", MessageStateSending, testEpoch)))

	_, err := s.Update("a", func(m *Message) {
		m.State = MessageStateSent
		m.ServerID = "srv-1"
	})
	require.NoError(t, err)

	assert.Empty(t, s.ListByState(MessageStateSending))
	assert.Len(t, s.ListByState(MessageStateSent), 1)
	got, ok := s.GetByServerID("srv-1")
	require.True(t, ok)
	assert.Equal(t, "a", got.ClientID)

	_, err = s.Update("missing", func(*Message) {})
	assert.ErrorIs(t, err, ErrMessageNotFound)

	require.ErrorIs(t, s.Insert(&Message{ClientID: "b", ServerID: "srv-1"}), ErrServerIDConflict)
}

func TestStoreRemoveReusesSlots(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Insert(storeMessage(id, "c1", MessageStateDraft, testEpoch)))
	}
	_, ok := s.Remove("b")
	require.True(t, ok)
	_, ok = s.Remove("b")
	assert.False(t, ok)

	require.NoError(t, s.Insert(storeMessage("d", "c1", MessageStateDraft, testEpoch)))
	assert.Len(t, s.slots, 3)
	assert.Equal(t, 3, s.Len())

	var seen []string
	s.Each(func(m *Message) bool {
		seen = append(seen, m.ClientID)
		return true
	})
	assert.ElementsMatch(t, []string{"a", "c", "d"}, seen)

	_, ok = s.Get("b")
	assert.False(t, ok)
	assert.Len(t, s.ListConversation("c1"), 3)
}

func TestStateHelpers(t *testing.T) {
	for _, st := range AllStates {
		parsed, ok := ParseState(st.String())
		require.True(t, ok)
		assert.Equal(t, st, parsed)
	}
	_, ok := ParseState("bogus")
	assert.False(t, ok)

	assert.True(t, MessageStateRejected.IsTerminal())
	assert.False(t, MessageStateSent.IsTerminal())
	assert.True(t, MessageStateTimeout.IsRetrying())

	p, ok := ParsePriority("critical")
	assert.True(t, ok)
	assert.Equal(t, PriorityCritical, p)
	assert.True(t, ErrorKindTimeout.Retryable())
	assert.False(t, ErrorKindPermanent.Retryable())
}

func TestMessageClone(t *testing.T) {
	orig := &Message{
		ClientID:    "a",
		Attachments: []Attachment{{ID: "f1"}},
		Mentions:    []string{"bob"},
		LastError:   &LastError{Kind: ErrorKindTransient},
	}
	c := orig.Clone()
	c.Attachments[0].ID = "changed"
	c.Mentions[0] = "eve"
	c.LastError.Kind = ErrorKindPermanent

	assert.Equal(t, "f1", orig.Attachments[0].ID)
	assert.Equal(t, "bob", orig.Mentions[0])
	assert.Equal(t, ErrorKindTransient, orig.LastError.Kind)
}
