// Package confirm models the deletion confirmation dialog as a value-typed
// state machine. Every transition returns a new Flow.
package confirm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/box-ledger/internal/domain"
)

// ClearToken must be typed to confirm clearing a whole box.
const ClearToken = "CLEAR"

// ErrInvalidTransition is returned when an event does not apply to the
// current state.
var ErrInvalidTransition = errors.New("invalid confirmation transition")

// State is the dialog state.
type State string

const (
	StateIdle          State = "idle"
	StatePendingSingle State = "pending_single"
	StatePendingBulk   State = "pending_bulk"
	StateAwaitingTyped State = "awaiting_typed"
)

// Action is what a confirmed flow asks the caller to perform.
type Action interface {
	isAction()
}

// ActionDelete deletes one movement.
type ActionDelete struct {
	Box domain.Box
	ID  int64
}

// ActionClear clears a whole box.
type ActionClear struct {
	Box domain.Box
}

func (ActionDelete) isAction() {}
func (ActionClear) isAction()  {}

// Flow is the confirmation context. The zero value is Idle.
type Flow struct {
	state State
	box   domain.Box
	id    int64
	input string
}

func (f Flow) State() State {
	if f.state == "" {
		return StateIdle
	}
	return f.state
}

func (f Flow) Box() domain.Box { return f.box }
func (f Flow) ID() int64       { return f.id }
func (f Flow) Input() string   { return f.input }

func (f Flow) invalid(event string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, f.State())
}

// RequestDelete opens the dialog for one movement.
func (f Flow) RequestDelete(b domain.Box, id int64) (Flow, error) {
	if f.State() != StateIdle {
		return f, f.invalid("request delete")
	}
	return Flow{state: StatePendingSingle, box: b, id: id}, nil
}

// RequestClear escalates a single delete into clearing the whole box.
func (f Flow) RequestClear() (Flow, error) {
	if f.State() != StatePendingSingle {
		return f, f.invalid("request clear")
	}
	return Flow{state: StatePendingBulk, box: f.box}, nil
}

// BeginTyped moves to the typed-token confirmation step.
func (f Flow) BeginTyped() (Flow, error) {
	if f.State() != StatePendingBulk {
		return f, f.invalid("begin typed")
	}
	return Flow{state: StateAwaitingTyped, box: f.box}, nil
}

// Type records the user input of the typed confirmation.
func (f Flow) Type(input string) (Flow, error) {
	if f.State() != StateAwaitingTyped {
		return f, f.invalid("type")
	}
	f.input = input
	return f, nil
}

// CanConfirm reports whether Confirm would succeed.
func (f Flow) CanConfirm() bool {
	switch f.State() {
	case StatePendingSingle:
		return true
	case StateAwaitingTyped:
		return strings.ToUpper(strings.TrimSpace(f.input)) == ClearToken
	}
	return false
}

// Confirm returns the action to perform and resets the flow to Idle.
func (f Flow) Confirm() (Flow, Action, error) {
	if !f.CanConfirm() {
		return f, nil, f.invalid("confirm")
	}
	if f.State() == StatePendingSingle {
		return Flow{}, ActionDelete{Box: f.box, ID: f.id}, nil
	}
	return Flow{}, ActionClear{Box: f.box}, nil
}

// Dismiss closes the dialog from any state.
func (f Flow) Dismiss() Flow {
	return Flow{}
}
