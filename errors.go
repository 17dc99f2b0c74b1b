package smartpoll

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// ErrNilPollFunc is returned by New when no poll function is supplied.
	ErrNilPollFunc = errors.New("smartpoll: poll function is required")
	// ErrNonPositiveMaxIdleDelay is returned by New for a zero or negative cap.
	ErrNonPositiveMaxIdleDelay = errors.New("smartpoll: max idle delay must be positive")
	// ErrAlreadyStarted rejects a second transition out of idle.
	ErrAlreadyStarted = errors.New("smartpoll: driver already started")
	// ErrStopped rejects starting a driver that has already stopped.
	ErrStopped = errors.New("smartpoll: driver stopped")
	// ErrNilHandler rejects StartNotificationLoop without a handler.
	ErrNilHandler = errors.New("smartpoll: notification handler is required")
)

func panicError(component string, recovered any) error {
	stack := strings.TrimSpace(string(debug.Stack()))
	if stack == "" {
		return fmt.Errorf("smartpoll: %s panic: %v", component, recovered)
	}
	return fmt.Errorf("smartpoll: %s panic: %v\n%s", component, recovered, stack)
}
