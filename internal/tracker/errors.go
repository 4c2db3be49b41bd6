package tracker

import "errors"

var (
	// ErrPermanent marks a request the tracker rejected outright.
	// Retrying or queueing it for replay cannot succeed.
	ErrPermanent = errors.New("tracker rejected request")

	// ErrUnavailable marks a request that exhausted its retries against
	// an unreachable or failing tracker. Safe to queue for replay.
	ErrUnavailable = errors.New("tracker unavailable")

	// ErrConflict marks a create that the tracker reports as already
	// existing. The caller should look up the existing record.
	ErrConflict = errors.New("tracker record already exists")
)
