package redisrepo

import (
	"context"
	"fmt"
	"time"
)

// SubmissionAudit keeps the submission timestamp of each dequeued intent so
// staleness can be audited after the fact.
type SubmissionAudit struct {
	counters *CounterStore
	ttl      time.Duration
}

func NewSubmissionAudit(counters *CounterStore, ttl time.Duration) *SubmissionAudit {
	return &SubmissionAudit{counters: counters, ttl: ttl}
}

func (a *SubmissionAudit) RecordSubmitted(ctx context.Context, requestID string, submittedAtMillis int64) error {
	const op = "redisrepo.SubmissionAudit.RecordSubmitted"

	if err := a.counters.Set(ctx, KeyIntentSubmitted(requestID), formatInt(submittedAtMillis), a.ttl); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
