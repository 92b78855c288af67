package messaging

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// MatchResult describes how a push event was reconciled.
type MatchResult uint8

const (
	// MatchNone means no local entity corresponds to the event.
	MatchNone MatchResult = iota
	// MatchExact means the event matched on server id.
	MatchExact
	// MatchHeuristic means the event matched on conversation, sender,
	// payload fingerprint and time window.
	MatchHeuristic
	// MatchDuplicate means the matched entity already reflected the event.
	MatchDuplicate
)

func (r MatchResult) String() string {
	switch r {
	case MatchNone:
		return "none"
	case MatchExact:
		return "exact"
	case MatchHeuristic:
		return "heuristic"
	case MatchDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// MatchOutcome is returned by MatchPushEvent.
type MatchOutcome struct {
	Result  MatchResult
	Message *Message
	// Parked is set when an unmatched event was buffered for a later
	// acknowledgment.
	Parked bool
}

// Fingerprint hashes content and attachment ids. Attachment order does not
// affect the result. Each part is length-prefixed so that content and ids
// cannot be shifted across part boundaries.
func Fingerprint(content string, attachmentIDs []string) [32]byte {
	ids := append([]string(nil), attachmentIDs...)
	sort.Strings(ids)
	buf := make([]byte, 0, len(content)+binary.MaxVarintLen64*(len(ids)+2))
	buf = appendPart(buf, content)
	buf = binary.AppendUvarint(buf, uint64(len(ids)))
	for _, id := range ids {
		buf = appendPart(buf, id)
	}
	return blake2b.Sum256(buf)
}

func appendPart(buf []byte, part string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(part)))
	return append(buf, part...)
}

func messageFingerprint(m *Message) [32]byte {
	ids := make([]string, len(m.Attachments))
	for i, a := range m.Attachments {
		ids[i] = a.ID
	}
	return Fingerprint(m.Content, ids)
}

// MatchPushEvent reconciles a push event with the local entities and
// applies the resulting Delivered or Read transitions. Unmatched events
// that carry a server id are parked for the match window so that an
// acknowledgment arriving after the push still reaches Delivered. Other
// unmatched events are dropped.
func (m *Machine) MatchPushEvent(ev PushEvent) MatchOutcome {
	m.mu.Lock()
	now := m.clock.Now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	m.pruneParkedLocked(now)

	var target *Message
	result := MatchNone
	if ev.ServerID != "" {
		if msg, ok := m.store.GetByServerID(ev.ServerID); ok {
			target, result = msg, MatchExact
		}
	}
	if target == nil {
		if msg := m.bestCandidateLocked(ev, m.store.ListByState(MessageStateSent)); msg != nil {
			target, result = msg, MatchHeuristic
		}
	}

	if target == nil {
		parked := ev.ServerID != ""
		if parked {
			m.parkLocked(ev, now)
		}
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":        "Machine.MatchPushEvent",
			"server_id":       ev.ServerID,
			"conversation_id": ev.ConversationID,
			"parked":          parked,
		}).Debug("Push event unmatched")
		return MatchOutcome{Result: MatchNone, Parked: parked}
	}

	out, events, applied := m.applyPushLocked(target, ev)
	m.mu.Unlock()
	m.emit(events)

	if !applied {
		return MatchOutcome{Result: MatchDuplicate, Message: out}
	}
	return MatchOutcome{Result: result, Message: out}
}

// applyPushLocked advances msg according to ev. It reports false when the
// entity already reflected the event or could not accept it.
func (m *Machine) applyPushLocked(msg *Message, ev PushEvent) (*Message, []Event, bool) {
	clientID := msg.ClientID
	var events []Event
	current := msg.Clone()

	if current.State == MessageStateSent {
		out, evs, err := m.markDeliveredLocked(clientID, ev.ServerID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Machine.applyPushLocked",
				"client_id": clientID,
				"error":     err.Error(),
			}).Warn("Could not apply delivery confirmation")
			return current, nil, false
		}
		events = append(events, evs...)
		current = out
	} else if ev.Kind == PushDelivered || current.State != MessageStateDelivered {
		return current, nil, false
	}

	if ev.Kind == PushRead && current.State == MessageStateDelivered {
		now := m.clock.Now()
		out, evs, err := m.transitionLocked(clientID, MessageStateRead, func(x *Message) {
			if x.ReadAt.IsZero() {
				x.ReadAt = later(now, x.DeliveredAt)
			}
		})
		if err == nil {
			events = append(events, evs...)
			current = out
		}
	}
	return current, events, true
}

// bestCandidateLocked picks the closest heuristic match for ev among
// candidates. Ties go to the earliest created entity, then to the lowest
// client id.
func (m *Machine) bestCandidateLocked(ev PushEvent, candidates []*Message) *Message {
	fp := Fingerprint(ev.Content, ev.AttachmentIDs)
	var (
		best     *Message
		bestDist time.Duration
	)
	for _, c := range candidates {
		if c.ConversationID != ev.ConversationID || c.SenderID != ev.SenderID {
			continue
		}
		if c.ServerID != "" && ev.ServerID != "" && c.ServerID != ev.ServerID {
			continue
		}
		if messageFingerprint(c) != fp {
			continue
		}
		ref := c.SentAt
		if ref.IsZero() {
			ref = c.CreatedAt
		}
		dist := ev.CreatedAt.Sub(ref)
		if dist < 0 {
			dist = -dist
		}
		if dist > m.matchWindow {
			continue
		}
		// Candidates arrive sorted by creation, so strict less keeps the
		// earliest entity on ties.
		if best == nil || dist < bestDist {
			best, bestDist = c, dist
		}
	}
	return best
}

func (m *Machine) parkLocked(ev PushEvent, now time.Time) {
	if len(m.parked) >= maxParkedEvents {
		m.parked = m.parked[1:]
	}
	m.parked = append(m.parked, parkedEvent{event: ev, expiresAt: now.Add(m.matchWindow)})
}

func (m *Machine) pruneParkedLocked(now time.Time) {
	kept := m.parked[:0]
	for _, p := range m.parked {
		if now.Before(p.expiresAt) {
			kept = append(kept, p)
		}
	}
	m.parked = kept
}

// consumeParkedLocked applies parked events that belong to a message that
// just reached Sent.
func (m *Machine) consumeParkedLocked(clientID string, msg *Message) (*Message, []Event) {
	if len(m.parked) == 0 {
		return msg, nil
	}
	m.pruneParkedLocked(m.clock.Now())

	var (
		events []Event
		kept   = m.parked[:0]
	)
	live, _ := m.store.Get(clientID)
	for _, p := range m.parked {
		if live == nil || !m.parkedMatchesLocked(p.event, live) {
			kept = append(kept, p)
			continue
		}
		out, evs, _ := m.applyPushLocked(live, p.event)
		events = append(events, evs...)
		msg = out
		live, _ = m.store.Get(clientID)
	}
	m.parked = kept
	return msg, events
}

// parkedMatchesLocked only accepts the entity acknowledged with the
// event's own server id.
func (m *Machine) parkedMatchesLocked(ev PushEvent, msg *Message) bool {
	return ev.ServerID != "" && ev.ServerID == msg.ServerID
}

// ParkedEvents returns the number of buffered unmatched push events.
func (m *Machine) ParkedEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.parked)
}
