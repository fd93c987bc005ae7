package main

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// commandFunc handles one command from a connected process. It returns the
// response payload (nil for an empty ack) or an error; wrap the error with
// badRequest when the process sent something invalid.
type commandFunc func(p *process, body []byte) (any, error)

// statusError carries the HTTP status a handler failure maps to.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &statusError{status: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

// statusFor maps a handler error to the response status. Unclassified
// errors are agent faults.
func statusFor(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.status
	}
	return http.StatusInternalServerError
}

type commandRouter struct {
	mu       sync.RWMutex
	handlers map[string]commandFunc // gamelift-target → handler
}

func newCommandRouter() *commandRouter {
	return &commandRouter{
		handlers: make(map[string]commandFunc),
	}
}

func (r *commandRouter) register(target string, fn commandFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[target]; exists {
		return fmt.Errorf("handler already registered for command %q", target)
	}
	r.handlers[target] = fn
	return nil
}

func (r *commandRouter) lookup(target string) (commandFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[target]
	return fn, ok
}

// targets lists the registered command names in order.
func (r *commandRouter) targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for target := range r.handlers {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}
