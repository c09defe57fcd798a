package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/secplat/posture-pipeline/pkg/stream"
)

// ErrProcessingError

type ErrProcessingError struct {
	error
	Category         string
	Message          *stream.Message
	AdditionalInputs []Input
}

type Input struct {
	Source string
	Key    string
	Value  []byte
}

const (
	UnknownCategory        = "unknown"
	UnmarshalErrorCategory = "unmarshal"
	PanicCategory          = "panic"
	DeadLetterCategory     = "dead_letter"
)

func NewErrProcessingError(err error, category string, additionalInputs []Input) ErrProcessingError {
	return ErrProcessingError{
		error:            err,
		Category:         category,
		AdditionalInputs: additionalInputs,
	}
}

func (e ErrProcessingError) Unwrap() error {
	return e.error
}

// Frames kept in panic errors
const panicStackLines = 24

// NewPanicError wraps a recovered value along with the top of the goroutine stack.
func NewPanicError(recovered any) ErrProcessingError {
	stack := strings.Split(strings.TrimSpace(string(debug.Stack())), "\n")
	if len(stack) > panicStackLines {
		stack = stack[:panicStackLines]
	}

	return NewErrProcessingError(fmt.Errorf("unexpected error: %v\n%s", recovered, strings.Join(stack, "\n")), PanicCategory, nil)
}

// WithMessage attaches the stream message that failed.
func (e ErrProcessingError) WithMessage(msg stream.Message) ErrProcessingError {
	e.Message = &msg

	return e
}

// AsProcessingError returns err as an ErrProcessingError, wrapping it in the unknown category if needed.
func AsProcessingError(err error) ErrProcessingError {
	ret := ErrProcessingError{}
	if errors.As(err, &ret) {
		return ret
	}

	return NewErrProcessingError(err, UnknownCategory, nil)
}

// ErrRetryableError

var ErrRetryableError = errors.New("retryable error")

func NewErrRetryableError(err error) error {
	return fmt.Errorf("%w: %w", ErrRetryableError, err)
}

func NewRetryableErrProcessingError(err error, category string, additionalInputs []Input) ErrProcessingError {
	return NewErrProcessingError(NewErrRetryableError(err), category, additionalInputs)
}

// ErrMalformedInput: the payload can never be processed, retrying is useless.

var ErrMalformedInput = errors.New("malformed input")

func NewErrMalformedInput(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformedInput, err)
}

func NewMalformedErrProcessingError(err error, additionalInputs []Input) ErrProcessingError {
	return NewErrProcessingError(NewErrMalformedInput(err), UnmarshalErrorCategory, additionalInputs)
}

// ErrFatalError: the component cannot make progress anymore and must stop.

var ErrFatalError = errors.New("fatal error")

func NewErrFatalError(err error) error {
	return fmt.Errorf("%w: %w", ErrFatalError, err)
}

// Outcome

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeMalformed
	OutcomeFatal
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeFatal:
		return "fatal"
	case OutcomeCancelled:
		return "cancelled"
	}

	return "unknown"
}

// Classify maps an error to what the caller should do with it. Errors that are not
// explicitly malformed or fatal are retryable.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	case errors.Is(err, ErrFatalError), errors.Is(err, stream.ErrMisconfigured):
		return OutcomeFatal
	case errors.Is(err, ErrMalformedInput):
		return OutcomeMalformed
	}

	return OutcomeRetryable
}
