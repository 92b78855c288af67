package messaging

import (
	"sort"
)

// Store owns the message entities and their secondary indices.
//
// Entities live in a dense slot table; indices map keys to client ids.
// Store performs no locking and no I/O: the owning Machine serializes
// every call.
type Store struct {
	slots []*Message
	free  []int

	byClient       map[string]int
	byServer       map[string]string
	byConversation map[string]map[string]struct{}
	byState        map[MessageState]map[string]struct{}
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{
		byClient:       make(map[string]int),
		byServer:       make(map[string]string),
		byConversation: make(map[string]map[string]struct{}),
		byState:        make(map[MessageState]map[string]struct{}),
	}
}

// Len returns the number of stored entities.
func (s *Store) Len() int {
	return len(s.byClient)
}

// Insert adds m to the store and indexes it.
func (s *Store) Insert(m *Message) error {
	if _, exists := s.byClient[m.ClientID]; exists {
		return ErrDuplicateClientID
	}
	if m.ServerID != "" {
		if _, taken := s.byServer[m.ServerID]; taken {
			return ErrServerIDConflict
		}
	}

	var slot int
	if n := len(s.free); n > 0 {
		slot = s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[slot] = m
	} else {
		slot = len(s.slots)
		s.slots = append(s.slots, m)
	}

	s.byClient[m.ClientID] = slot
	s.index(m)
	return nil
}

// Get returns the live entity for clientID.
func (s *Store) Get(clientID string) (*Message, bool) {
	slot, ok := s.byClient[clientID]
	if !ok {
		return nil, false
	}
	return s.slots[slot], true
}

// GetByServerID returns the live entity holding serverID.
func (s *Store) GetByServerID(serverID string) (*Message, bool) {
	clientID, ok := s.byServer[serverID]
	if !ok {
		return nil, false
	}
	return s.Get(clientID)
}

// Update applies fn to the entity and then rewrites its index memberships.
// fn must not change ClientID.
func (s *Store) Update(clientID string, fn func(m *Message)) (*Message, error) {
	m, ok := s.Get(clientID)
	if !ok {
		return nil, ErrMessageNotFound
	}
	s.unindex(m)
	fn(m)
	s.index(m)
	return m, nil
}

// Remove deletes the entity and all of its index memberships.
func (s *Store) Remove(clientID string) (*Message, bool) {
	slot, ok := s.byClient[clientID]
	if !ok {
		return nil, false
	}
	m := s.slots[slot]
	s.unindex(m)
	delete(s.byClient, clientID)
	s.slots[slot] = nil
	s.free = append(s.free, slot)
	return m, true
}

// ListConversation returns the conversation's entities ordered by creation.
// When states is non-empty only entities in one of those states are returned.
func (s *Store) ListConversation(conversationID string, states ...MessageState) []*Message {
	ids := s.byConversation[conversationID]
	out := make([]*Message, 0, len(ids))
	for id := range ids {
		m, _ := s.Get(id)
		if len(states) == 0 || containsState(states, m.State) {
			out = append(out, m)
		}
	}
	sortByCreation(out)
	return out
}

// ListByState returns every entity in state ordered by creation.
func (s *Store) ListByState(state MessageState) []*Message {
	ids := s.byState[state]
	out := make([]*Message, 0, len(ids))
	for id := range ids {
		m, _ := s.Get(id)
		out = append(out, m)
	}
	sortByCreation(out)
	return out
}

// Counts returns the number of entities per state.
func (s *Store) Counts() map[MessageState]int {
	counts := make(map[MessageState]int, len(s.byState))
	for state, ids := range s.byState {
		if len(ids) > 0 {
			counts[state] = len(ids)
		}
	}
	return counts
}

// Each calls fn for every entity until fn returns false.
func (s *Store) Each(fn func(m *Message) bool) {
	for _, m := range s.slots {
		if m == nil {
			continue
		}
		if !fn(m) {
			return
		}
	}
}

func (s *Store) index(m *Message) {
	if m.ServerID != "" {
		s.byServer[m.ServerID] = m.ClientID
	}
	addMember(s.byConversation, m.ConversationID, m.ClientID)
	addMember(s.byState, m.State, m.ClientID)
}

func (s *Store) unindex(m *Message) {
	if m.ServerID != "" && s.byServer[m.ServerID] == m.ClientID {
		delete(s.byServer, m.ServerID)
	}
	removeMember(s.byConversation, m.ConversationID, m.ClientID)
	removeMember(s.byState, m.State, m.ClientID)
}

func addMember[K comparable](index map[K]map[string]struct{}, key K, clientID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[clientID] = struct{}{}
}

func removeMember[K comparable](index map[K]map[string]struct{}, key K, clientID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(index, key)
	}
}

func containsState(states []MessageState, s MessageState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

func sortByCreation(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ClientID < msgs[j].ClientID
	})
}
