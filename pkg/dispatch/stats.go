package dispatch

import "errors"

// Stats provides statistics about dispatcher operations.
type Stats struct {
	// QueueDepth is the current number of pending requests
	QueueDepth int `json:"queue_depth"`

	// Enqueued is the total number of accepted requests
	Enqueued int64 `json:"enqueued"`

	// Dropped is the total number of requests dropped due to backpressure
	Dropped int64 `json:"dropped"`

	// Processed is the total number of reconciles run
	Processed int64 `json:"processed"`

	// Failed is the total number of reconciles that returned an error
	Failed int64 `json:"failed"`
}

// DropRate returns the fraction of requests that were dropped.
func (s Stats) DropRate() float64 {
	total := s.Enqueued + s.Dropped
	if total == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(total)
}

// Errors returned by dispatcher operations.
var (
	// ErrQueueFull is returned when the queue is full and MaxWaitTime exceeded
	ErrQueueFull = errors.New("dispatch: queue full, request dropped")

	// ErrClosed is returned when enqueueing on a closed dispatcher
	ErrClosed = errors.New("dispatch: dispatcher is closed")

	// ErrFlushTimeout is returned when Flush times out waiting for the queue to drain
	ErrFlushTimeout = errors.New("dispatch: flush timeout exceeded")
)
