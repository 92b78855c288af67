package testing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/opd-ai/courier/interfaces"
	"github.com/sirupsen/logrus"
)

// ErrUnreachable is reported when the simulated server is offline.
var ErrUnreachable = errors.New("simulated server unreachable")

// Operation names recorded in the delivery log.
const (
	OpSend   = "send"
	OpEdit   = "edit"
	OpDelete = "delete"
)

// Outcome scripts the result of one transport call.
type Outcome struct {
	// StatusCode is returned as a TransportError when non-zero.
	StatusCode int
	// Err is returned as a network failure with no status.
	Err error
	// Wait blocks the call until closed or until ctx is done.
	Wait <-chan struct{}
	// Hang blocks the call until ctx is done.
	Hang bool
}

// DeliveryRecord represents one simulated call for test verification.
type DeliveryRecord struct {
	Op             string
	ClientID       string
	ServerID       string
	IdempotencyKey string
	Timestamp      time.Time
	Success        bool
	Duplicate      bool
	Err            error
}

// SimulationStats summarizes the delivery log.
type SimulationStats struct {
	TotalCalls      int
	Successful      int
	Failed          int
	Duplicates      int
	StoredMessages  int
	ScriptRemaining int
}

// SimulatedTransport is an in-memory interfaces.Transport. It assigns
// server ids, collapses sends that reuse an idempotency key and replays
// scripted failures in order.
type SimulatedTransport struct {
	mu          sync.Mutex
	clock       interfaces.Clock
	script      []Outcome
	reachable   bool
	nextID      int
	byKey       map[string]*interfaces.ServerMessage
	messages    map[string]interfaces.OutboundMessage
	deliveryLog []DeliveryRecord
	onSend      func(interfaces.OutboundMessage)
}

// NewSimulatedTransport creates a reachable simulated server. A nil clock
// uses the real clock.
func NewSimulatedTransport(clock interfaces.Clock) *SimulatedTransport {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "NewSimulatedTransport",
	}).Info("Creating simulated transport for testing")

	if clock == nil {
		clock = interfaces.RealClock{}
	}
	return &SimulatedTransport{
		clock:     clock,
		reachable: true,
		byKey:     make(map[string]*interfaces.ServerMessage),
		messages:  make(map[string]interfaces.OutboundMessage),
	}
}

// Script appends outcomes consumed by subsequent calls, one per call.
// Calls made after the script runs out succeed.
func (s *SimulatedTransport) Script(outcomes ...Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, outcomes...)
}

// FailNext scripts n failures with the given status code.
func (s *SimulatedTransport) FailNext(n, statusCode int) {
	for i := 0; i < n; i++ {
		s.Script(Outcome{StatusCode: statusCode})
	}
}

// SetReachable toggles whether calls reach the simulated server.
func (s *SimulatedTransport) SetReachable(reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachable = reachable
}

// OnSend registers a hook invoked for every send that reaches the server.
func (s *SimulatedTransport) OnSend(fn func(interfaces.OutboundMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSend = fn
}

// IsSimulation reports true.
func (s *SimulatedTransport) IsSimulation() bool {
	return true
}

// Send implements interfaces.Transport.
func (s *SimulatedTransport) Send(ctx context.Context, msg interfaces.OutboundMessage) (*interfaces.ServerMessage, error) {
	rec := DeliveryRecord{Op: OpSend, ClientID: msg.ClientID, IdempotencyKey: msg.IdempotencyKey}
	if err := s.play(ctx); err != nil {
		return nil, s.record(rec, err)
	}

	s.mu.Lock()
	if existing, ok := s.byKey[msg.IdempotencyKey]; ok {
		rec.ServerID = existing.ID
		rec.Duplicate = true
		out := *existing
		s.mu.Unlock()
		s.record(rec, nil)
		logrus.WithFields(logrus.Fields{
			"function":        "SimulatedTransport.Send",
			"idempotency_key": msg.IdempotencyKey,
			"server_id":       out.ID,
		}).Info("Duplicate submission collapsed")
		return &out, nil
	}

	s.nextID++
	sm := &interfaces.ServerMessage{
		ID:             fmt.Sprintf("srv-%d", s.nextID),
		ConversationID: msg.ConversationID,
		CreatedAt:      s.clock.Now(),
	}
	s.byKey[msg.IdempotencyKey] = sm
	s.messages[sm.ID] = msg
	hook := s.onSend
	rec.ServerID = sm.ID
	out := *sm
	s.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	s.record(rec, nil)
	return &out, nil
}

// Edit implements interfaces.Transport.
func (s *SimulatedTransport) Edit(ctx context.Context, req interfaces.EditRequest) (*interfaces.ServerMessage, error) {
	rec := DeliveryRecord{Op: OpEdit, ServerID: req.ServerID, IdempotencyKey: req.IdempotencyKey}
	if err := s.play(ctx); err != nil {
		return nil, s.record(rec, err)
	}

	s.mu.Lock()
	msg, ok := s.messages[req.ServerID]
	if !ok {
		s.mu.Unlock()
		return nil, s.record(rec, &interfaces.TransportError{StatusCode: http.StatusNotFound, Message: "message not found"})
	}
	msg.Content = req.Content
	s.messages[req.ServerID] = msg
	out := &interfaces.ServerMessage{ID: req.ServerID, ConversationID: msg.ConversationID, EditedAt: s.clock.Now()}
	s.mu.Unlock()

	s.record(rec, nil)
	return out, nil
}

// Delete implements interfaces.Transport.
func (s *SimulatedTransport) Delete(ctx context.Context, req interfaces.DeleteRequest) error {
	rec := DeliveryRecord{Op: OpDelete, ServerID: req.ServerID, IdempotencyKey: req.IdempotencyKey}
	if err := s.play(ctx); err != nil {
		return s.record(rec, err)
	}

	s.mu.Lock()
	_, ok := s.messages[req.ServerID]
	delete(s.messages, req.ServerID)
	s.mu.Unlock()
	if !ok {
		return s.record(rec, &interfaces.TransportError{StatusCode: http.StatusNotFound, Message: "message not found"})
	}
	s.record(rec, nil)
	return nil
}

// Ping reports whether the simulated server is reachable. It does not
// consume scripted outcomes.
func (s *SimulatedTransport) Ping(ctx context.Context) error {
	s.mu.Lock()
	reachable := s.reachable
	s.mu.Unlock()
	if !reachable {
		return &interfaces.TransportError{Err: ErrUnreachable}
	}
	return ctx.Err()
}

// Content returns the server-side content of a message.
func (s *SimulatedTransport) Content(serverID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[serverID]
	return msg.Content, ok
}

// play consumes the next scripted outcome.
func (s *SimulatedTransport) play(ctx context.Context) error {
	s.mu.Lock()
	reachable := s.reachable
	var outcome Outcome
	if len(s.script) > 0 {
		outcome = s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()

	if !reachable {
		return &interfaces.TransportError{Err: ErrUnreachable}
	}
	switch {
	case outcome.Hang:
		<-ctx.Done()
		return &interfaces.TransportError{Err: ctx.Err()}
	case outcome.Wait != nil:
		select {
		case <-outcome.Wait:
		case <-ctx.Done():
			return &interfaces.TransportError{Err: ctx.Err()}
		}
	}
	if outcome.Err != nil {
		return &interfaces.TransportError{Err: outcome.Err}
	}
	if outcome.StatusCode != 0 {
		return &interfaces.TransportError{StatusCode: outcome.StatusCode, Message: http.StatusText(outcome.StatusCode)}
	}
	return ctx.Err()
}

func (s *SimulatedTransport) record(rec DeliveryRecord, err error) error {
	rec.Timestamp = s.clock.Now()
	rec.Success = err == nil
	rec.Err = err

	s.mu.Lock()
	s.deliveryLog = append(s.deliveryLog, rec)
	total := len(s.deliveryLog)
	s.mu.Unlock()

	fields := logrus.Fields{
		"function":        "SimulatedTransport." + rec.Op,
		"client_id":       rec.ClientID,
		"server_id":       rec.ServerID,
		"total_calls":     total,
		"idempotency_key": rec.IdempotencyKey,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Debug("Simulated call failed")
	} else {
		logrus.WithFields(fields).Debug("Simulated call succeeded")
	}
	return err
}

// GetDeliveryLog returns a copy of the delivery log.
func (s *SimulatedTransport) GetDeliveryLog() []DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := make([]DeliveryRecord, len(s.deliveryLog))
	copy(log, s.deliveryLog)
	return log
}

// ClearDeliveryLog empties the delivery log.
func (s *SimulatedTransport) ClearDeliveryLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveryLog = nil
}

// Sends returns the successful, non-duplicate sends in call order.
func (s *SimulatedTransport) Sends() []DeliveryRecord {
	var out []DeliveryRecord
	for _, rec := range s.GetDeliveryLog() {
		if rec.Op == OpSend && rec.Success && !rec.Duplicate {
			out = append(out, rec)
		}
	}
	return out
}

// GetTypedStats summarizes the delivery log.
func (s *SimulatedTransport) GetTypedStats() SimulationStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := SimulationStats{
		TotalCalls:      len(s.deliveryLog),
		StoredMessages:  len(s.messages),
		ScriptRemaining: len(s.script),
	}
	for _, rec := range s.deliveryLog {
		switch {
		case !rec.Success:
			stats.Failed++
		case rec.Duplicate:
			stats.Duplicates++
			stats.Successful++
		default:
			stats.Successful++
		}
	}
	return stats
}
