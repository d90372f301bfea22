package mail

import (
	"errors"
	"fmt"
)

// Status is the sync state of an account
type Status string

const (
	StatusNew      Status = "NEW"
	StatusIdle     Status = "IDLE"
	StatusSyncing  Status = "SYNCING"
	StatusError    Status = "ERROR"
	StatusResync   Status = "RESYNC"
	StatusDisabled Status = "DISABLED"
)

var (
	// ErrCursorExpired means the provider no longer accepts the stored history/delta cursor
	ErrCursorExpired = errors.New("sync cursor expired")

	// ErrNotFound is returned when a remote or local object does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for a status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")
)

var transitions = map[Status][]Status{
	StatusNew:      {StatusSyncing},
	StatusIdle:     {StatusSyncing},
	StatusError:    {StatusSyncing},
	StatusResync:   {StatusSyncing},
	StatusSyncing:  {StatusIdle, StatusError, StatusResync},
	StatusDisabled: {StatusNew},
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusIdle, StatusSyncing, StatusError, StatusResync, StatusDisabled:
		return true
	}
	return false
}

// CanTransition reports whether an account may move from one status to another.
// Any status may move to DISABLED.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusDisabled {
		return from != StatusDisabled
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a status change
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// NeedsFullSync reports whether the next run for an account in this state must
// enumerate the whole mailbox rather than replay its cursor
func NeedsFullSync(status Status, cursor string) bool {
	return status == StatusNew || status == StatusResync || cursor == ""
}
