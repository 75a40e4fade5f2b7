package vizstate

import "context"

// RemoteService is the query/mutation contract of the display process.
// Timeouts and retries belong to the implementation, not to the pipeline.
type RemoteService interface {
	// Query fetches the current parameters and filter bank.
	Query(ctx context.Context) (Snapshot, error)

	// SetParameters applies a partial record and returns what the service
	// actually applied, which may be clamped or coerced.
	SetParameters(ctx context.Context, partial Parameters) (Parameters, error)

	// SetFilter edits one level and returns the whole channel.
	SetFilter(ctx context.Context, req FilterRequest) (Levels, error)

	// SetRawFilter replaces a channel's raw coefficients and returns the
	// channel as stored.
	SetRawFilter(ctx context.Context, ch Channel, levels Levels) (Levels, error)
}

// FilterRequest is the "set filter" mutation. Gain is optional; Tao is
// always sent.
type FilterRequest struct {
	Channel Channel  `json:"type"`
	Level   int      `json:"level"`
	Gain    *float64 `json:"gain,omitempty"`
	Tao     float64  `json:"tao"`
}
