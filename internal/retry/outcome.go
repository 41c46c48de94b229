package retry

import "github.com/loqalabs/loqa-dictate/internal/errclass"

// Status tags an adapter outcome.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Outcome is what a recognition or enhancement adapter hands back to the
// workflow. Err is set for Degraded and Failed.
type Outcome[T any] struct {
	Status   Status
	Value    T
	Err      *errclass.Error
	Attempts int
	Cached   bool
}

// Kind returns the failure class, or "" for a successful outcome.
func (o Outcome[T]) Kind() errclass.Kind {
	if o.Err == nil {
		return ""
	}
	return o.Err.Kind
}

func OK[T any](v T, attempts int, cached bool) Outcome[T] {
	return Outcome[T]{Status: StatusOK, Value: v, Attempts: attempts, Cached: cached}
}

func Failed[T any](err error, op string, attempts int) Outcome[T] {
	return Outcome[T]{Status: StatusFailed, Err: AsClassified(op, err), Attempts: attempts}
}

func Degraded[T any](fallback T, err error, op string, attempts int) Outcome[T] {
	return Outcome[T]{Status: StatusDegraded, Value: fallback, Err: AsClassified(op, err), Attempts: attempts}
}

// AsClassified returns err as an *errclass.Error, classifying it if needed.
func AsClassified(op string, err error) *errclass.Error {
	wrapped := errclass.Wrap(op, err)
	if ce, ok := wrapped.(*errclass.Error); ok {
		return ce
	}
	// Wrap returned an error chain that already contains a classified error.
	return errclass.New(errclass.Classify(wrapped), op, wrapped)
}
