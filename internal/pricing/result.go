package pricing

// Result carries a display value together with whether it is fresh or a
// stale fallback, and why.
type Result[T any] struct {
	Value    T      `json:"value"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

func Fresh[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

func Degraded[T any](v T, reason string) Result[T] {
	return Result[T]{Value: v, Degraded: true, Reason: reason}
}
