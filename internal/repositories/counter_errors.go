package repositories

import "fmt"

// CounterErrorCode enumerates failure reasons for sequence operations.
type CounterErrorCode string

const (
	// CounterErrorInvalidInput indicates the caller supplied an unusable counter id.
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorCorrupt indicates the stored sequence cannot be decoded or went backwards.
	CounterErrorCorrupt CounterErrorCode = "counter_corrupt"
)

// CounterError wraps sequence failures with a machine readable code.
type CounterError struct {
	Code    CounterErrorCode
	Counter string
	Err     error
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("counter %q: %s: %v", e.Counter, e.Code, e.Err)
	}
	return fmt.Sprintf("counter %q: %s", e.Counter, e.Code)
}

func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
