package event

import "fmt"

// HandlerError reports a subscriber's handler failing during delivery.
// It is logged by the bus and never propagates to the publisher.
type HandlerError struct {
	EventType  string
	Subscriber string
	Err        error
	Panicked   bool
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	kind := "error"
	if e.Panicked {
		kind = "panic"
	}
	return fmt.Sprintf("handler %s for %s: %s: %v", e.Subscriber, e.EventType, kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}
