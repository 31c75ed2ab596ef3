package work

import (
	"github.com/jmgilman/go/errors"

	"github.com/ironsheep/image-loader/internal/request"
)

// CodeUnableToGenerate marks a failure that left no specific cause.
const CodeUnableToGenerate errors.ErrorCode = "UNABLE_TO_GENERATE"

// ErrUnableToGenerate is reported when every attempt failed without an
// error describing why.
var ErrUnableToGenerate = errors.New(CodeUnableToGenerate, "unable to generate image")

// ErrClosed is returned by Load once the scheduler has been closed.
var ErrClosed = errors.New(errors.CodeUnavailable, "scheduler is closed")

// State is a point in a task's life.
type State int

const (
	Created State = iota
	ResolvingFromCache
	Fetching
	Decoding
	Transforming
	Delivering
	Succeeded
	Failed
	Cancelled
)

var stateNames = [...]string{
	Created:            "created",
	ResolvingFromCache: "resolving_from_cache",
	Fetching:           "fetching",
	Decoding:           "decoding",
	Transforming:       "transforming",
	Delivering:         "delivering",
	Succeeded:          "succeeded",
	Failed:             "failed",
	Cancelled:          "cancelled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Outcome is how a task ended: Success, Failure or Cancellation.
type Outcome interface {
	outcome() State
}

// Success carries the delivered image.
type Success struct {
	request.Success
}

// Failure carries the last error seen.
type Failure struct {
	Err error
}

// Cancellation means the task was cancelled or told to exit early.
type Cancellation struct{}

func (Success) outcome() State      { return Succeeded }
func (Failure) outcome() State      { return Failed }
func (Cancellation) outcome() State { return Cancelled }

// StateOf returns the terminal state an outcome corresponds to.
func StateOf(o Outcome) State {
	if o == nil {
		return Created
	}
	return o.outcome()
}
