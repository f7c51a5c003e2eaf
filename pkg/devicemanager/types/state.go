package types

import (
	"errors"
	"fmt"
)

// State is a step of the per-device provisioning state machine.
//
//	Unchecked -> MountedAlready
//	Unchecked -> NeedsProvision -> SafetyChecked -> Formatted -> Registered -> DirPrepared -> Mounted
type State int

const (
	Unchecked State = iota
	MountedAlready
	NeedsProvision
	SafetyChecked
	Formatted
	Registered
	DirPrepared
	Mounted
)

var stateNames = map[State]string{
	Unchecked:      "Unchecked",
	MountedAlready: "MountedAlready",
	NeedsProvision: "NeedsProvision",
	SafetyChecked:  "SafetyChecked",
	Formatted:      "Formatted",
	Registered:     "Registered",
	DirPrepared:    "DirPrepared",
	Mounted:        "Mounted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further action is needed for the device.
func (s State) Terminal() bool {
	return s == MountedAlready || s == Mounted
}

// Outcome classifies how processing a device ended.
type Outcome int

const (
	// Processed means the device reached a terminal state.
	Processed Outcome = iota
	// Aborted means a safety check refused the device before any write.
	Aborted
	// Failed means a command failed or timed out.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result is returned by the device processor for every device.
type Result struct {
	DeviceID string
	Outcome  Outcome
	// State is the last state the device reached.
	State State
	// Err is a *SafetyAbortError when Aborted and the cause when Failed.
	Err error
}

func NewProcessed(id string, state State) Result {
	return Result{DeviceID: id, Outcome: Processed, State: state}
}

func NewAborted(id string, state State, abort *SafetyAbortError) Result {
	return Result{DeviceID: id, Outcome: Aborted, State: state, Err: abort}
}

// NewFailed wraps err with the operation that was running.
func NewFailed(id string, state State, op string, err error) Result {
	return Result{DeviceID: id, Outcome: Failed, State: state, Err: fmt.Errorf("%s %s: %w", op, id, err)}
}

// SafetyAbortError is raised when a device shows signs of existing data.
type SafetyAbortError struct {
	Device string
	Reason string
	// Output is the offending probe output.
	Output string
}

func (e *SafetyAbortError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("refusing to provision %s: %s", e.Device, e.Reason)
	}
	return fmt.Sprintf("refusing to provision %s: %s, output: %s", e.Device, e.Reason, e.Output)
}

// IsSafetyAbort reports whether err is or wraps a *SafetyAbortError.
func IsSafetyAbort(err error) bool {
	var abort *SafetyAbortError
	return errors.As(err, &abort)
}
