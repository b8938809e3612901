package service

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrEmptyMessage is returned when the message text is blank after trimming and sanitisation.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrCooldown is wrapped by CooldownError.
	ErrCooldown = errors.New("cooldown active")
	// ErrInsufficientBalance indicates the sender cannot pay for a message on a cost-bearing channel.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrChannelUnresolved indicates the session has no active channel, typically a privileged viewer without a target.
	ErrChannelUnresolved = errors.New("channel unresolved")
	// ErrSendFailed indicates the change feed did not confirm the append. The caller may retry.
	ErrSendFailed = errors.New("send failed")
	// ErrInvalidState is returned for operations on a closed or unopened session.
	ErrInvalidState = errors.New("invalid session state")
	// ErrSessionBusy is returned when a send is already outstanding for the session.
	ErrSessionBusy = errors.New("send already in progress")
	// ErrStreamUnavailable reports that the message stream could not be attached.
	ErrStreamUnavailable = errors.New("stream temporarily unavailable")
)

// CooldownError carries the time left before the sender may post again.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown active: %ds remaining", e.RemainingSeconds())
}

func (e *CooldownError) Unwrap() error {
	return ErrCooldown
}

// RemainingSeconds rounds the remaining cooldown up to whole seconds.
func (e *CooldownError) RemainingSeconds() int64 {
	return ceilSeconds(e.Remaining)
}

// ErrorCode maps support errors to the stable codes written on the wire.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyMessage):
		return "validation"
	case errors.Is(err, ErrCooldown):
		return "cooldown"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrChannelUnresolved):
		return "unresolved_channel"
	case errors.Is(err, ErrSendFailed):
		return "send_failed"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrSessionBusy):
		return "busy"
	case errors.Is(err, ErrStreamUnavailable):
		return "stream_unavailable"
	default:
		return "internal"
	}
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
