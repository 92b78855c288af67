package reconcile

import (
	"context"
	"sync"

	"github.com/opd-ai/courier/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Result summarizes how one push event was handled.
type Result uint8

const (
	// ResultMatched means a local message advanced because of the event.
	ResultMatched Result = iota
	// ResultDuplicate means the matched message already reflected the event.
	ResultDuplicate
	// ResultMiss means no local message corresponds to the event.
	ResultMiss
)

func (r Result) String() string {
	switch r {
	case ResultMatched:
		return "matched"
	case ResultDuplicate:
		return "duplicate"
	case ResultMiss:
		return "miss"
	default:
		return "unknown"
	}
}

// Matcher applies push events to local messages. *messaging.Machine
// implements it.
type Matcher interface {
	MatchPushEvent(ev messaging.PushEvent) messaging.MatchOutcome
}

// Stats are cumulative event counters.
type Stats struct {
	Processed  uint64 `json:"processed"`
	Matched    uint64 `json:"matched"`
	Exact      uint64 `json:"exact"`
	Heuristic  uint64 `json:"heuristic"`
	Duplicates uint64 `json:"duplicates"`
	Unmatched  uint64 `json:"unmatched"`
	Parked     uint64 `json:"parked"`
}

// Reconciler feeds push events to a Matcher and counts the outcomes.
type Reconciler struct {
	matcher Matcher
	events  *prometheus.CounterVec

	mu    sync.Mutex
	stats Stats
}

// New creates a Reconciler. Metrics are registered on reg when it is not
// nil.
func New(matcher Matcher, reg prometheus.Registerer) *Reconciler {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "reconcile",
		Name:      "events_total",
		Help:      "Push events processed, by match result.",
	}, []string{"result"})
	if reg != nil {
		reg.MustRegister(events)
	}
	return &Reconciler{matcher: matcher, events: events}
}

// HandleEvent reconciles ev and returns the result together with the
// affected message, if any.
func (r *Reconciler) HandleEvent(ev messaging.PushEvent) (Result, *messaging.Message) {
	out := r.matcher.MatchPushEvent(ev)

	r.mu.Lock()
	r.stats.Processed++
	var res Result
	switch out.Result {
	case messaging.MatchExact:
		r.stats.Matched++
		r.stats.Exact++
		res = ResultMatched
	case messaging.MatchHeuristic:
		r.stats.Matched++
		r.stats.Heuristic++
		res = ResultMatched
	case messaging.MatchDuplicate:
		r.stats.Duplicates++
		res = ResultDuplicate
	default:
		r.stats.Unmatched++
		if out.Parked {
			r.stats.Parked++
		}
		res = ResultMiss
	}
	r.mu.Unlock()

	r.events.WithLabelValues(out.Result.String()).Inc()

	if res == ResultMiss {
		logrus.WithFields(logrus.Fields{
			"function":        "Reconciler.HandleEvent",
			"server_id":       ev.ServerID,
			"conversation_id": ev.ConversationID,
			"parked":          out.Parked,
		}).Debug("Push event matched no local message")
	}
	return res, out.Message
}

// Run handles events from ch until ch is closed or ctx is done.
func (r *Reconciler) Run(ctx context.Context, ch <-chan messaging.PushEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.HandleEvent(ev)
		}
	}
}

// Stats returns a snapshot of the counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
