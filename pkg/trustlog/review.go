package trustlog

import (
	"errors"
	"fmt"
	"sync"
)

// Review resolutions an operator can record for a held decision.
const (
	ResolutionApprove = "approve"
	ResolutionReject  = "reject"
)

var (
	// ErrNotPending is returned when resolving a decision that is not held.
	ErrNotPending = errors.New("trustlog: decision is not pending review")
)

// ReviewQueue indexes hold decisions awaiting an operator verdict. State is
// derived from the ledger alone: a decision enters the queue when its entry
// carries decision_status "hold", and leaves when a human_review entry
// references it. Restart-safe by construction.
type ReviewQueue struct {
	mu      sync.Mutex
	log     *TrustLog
	pending map[string]*Entry // decision_id -> originating entry
}

// NewReviewQueue rebuilds the pending set from the persisted chain.
func NewReviewQueue(log *TrustLog) (*ReviewQueue, error) {
	q := &ReviewQueue{
		log:     log,
		pending: make(map[string]*Entry),
	}

	entries, err := log.Entries()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		q.observeLocked(e)
	}
	return q, nil
}

// Observe folds a freshly appended entry into the queue.
func (q *ReviewQueue) Observe(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observeLocked(e)
}

func (q *ReviewQueue) observeLocked(e *Entry) {
	switch e.Kind() {
	case KindDecision:
		if status, _ := e.Payload["decision_status"].(string); status == "hold" {
			q.pending[e.DecisionID] = e
		}
	case KindHumanReview:
		if reviewed, _ := e.Payload["reviewed_decision_id"].(string); reviewed != "" {
			delete(q.pending, reviewed)
		}
	}
}

// Pending lists held decisions in no particular order.
func (q *ReviewQueue) Pending() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Entry, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e)
	}
	return out
}

// IsPending reports whether the decision still awaits review.
func (q *ReviewQueue) IsPending(decisionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[decisionID]
	return ok
}

// Resolve records the operator verdict as a human_review entry and removes
// the decision from the queue. The resolution must be approve or reject.
func (q *ReviewQueue) Resolve(decisionID, resolution, note, operator string) (*Entry, error) {
	if resolution != ResolutionApprove && resolution != ResolutionReject {
		return nil, fmt.Errorf("trustlog: invalid resolution %q", resolution)
	}

	q.mu.Lock()
	original, ok := q.pending[decisionID]
	q.mu.Unlock()
	if !ok {
		return nil, ErrNotPending
	}

	entry, err := q.log.Append(KindHumanReview, map[string]any{
		"request_id":           original.RequestID(),
		"reviewed_decision_id": decisionID,
		"resolution":           resolution,
		"note":                 note,
		"operator":             operator,
	})
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	delete(q.pending, decisionID)
	q.mu.Unlock()

	return entry, nil
}

// ResolutionFor scans the ledger for the review outcome of a decision.
// Returns "" when the decision was never resolved.
func (q *ReviewQueue) ResolutionFor(decisionID string) (string, error) {
	entries, err := q.log.Entries()
	if err != nil {
		return "", err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Kind() != KindHumanReview {
			continue
		}
		if reviewed, _ := e.Payload["reviewed_decision_id"].(string); reviewed == decisionID {
			resolution, _ := e.Payload["resolution"].(string)
			return resolution, nil
		}
	}
	return "", nil
}
