package auditlog

import "errors"

// attempt is the outcome of a retried operation.
type attempt struct {
	Tries int
	Err   error
}

// OK reports whether the operation eventually succeeded.
func (a attempt) OK() bool { return a.Err == nil }

// retryOnce runs op, and on failure calls reset and runs op one more time.
// A failing reset ends the attempt with both errors.
func retryOnce(op, reset func() error) attempt {
	err := op()
	if err == nil {
		return attempt{Tries: 1}
	}
	if reset != nil {
		if rerr := reset(); rerr != nil {
			return attempt{Tries: 1, Err: errors.Join(err, rerr)}
		}
	}
	if err := op(); err != nil {
		return attempt{Tries: 2, Err: err}
	}
	return attempt{Tries: 2}
}

// shouldRequeue reports whether a record that has failed attempts times may
// go back to the backlog.
func shouldRequeue(attempts, maxRetries int) bool {
	return attempts <= maxRetries
}

// splitRetry partitions records into those that may be requeued and those
// that exhausted their retries. Attempts is incremented on every record.
func splitRetry(records []BufferedRecord, maxRetries int) (requeue, dropped []BufferedRecord) {
	for _, r := range records {
		r.Attempts++
		if shouldRequeue(r.Attempts, maxRetries) {
			requeue = append(requeue, r)
		} else {
			dropped = append(dropped, r)
		}
	}
	return requeue, dropped
}
