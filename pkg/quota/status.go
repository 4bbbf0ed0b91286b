package quota

import "errors"

var (
	// ErrAborted is delivered to every request outstanding when the
	// Manager closes, and to every request issued afterwards.
	ErrAborted = errors.New("aborted")
	// ErrUnknownClass is delivered for a StorageClass the Manager does
	// not know.
	ErrUnknownClass = errors.New("unknown storage class")
	// ErrInvalidArgument is delivered for malformed input, such as a
	// negative quota or an empty host.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Status summarizes the outcome of an operation.
type Status int

const (
	StatusOK Status = iota
	StatusAbort
	StatusUnknownClass
	StatusInvalidArgument
	// StatusError is any other failure, typically from the settings
	// store.
	StatusError
)

// StatusOf maps the error delivered to a callback onto a Status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrAborted):
		return StatusAbort
	case errors.Is(err, ErrUnknownClass):
		return StatusUnknownClass
	case errors.Is(err, ErrInvalidArgument):
		return StatusInvalidArgument
	default:
		return StatusError
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAbort:
		return "abort"
	case StatusUnknownClass:
		return "unknown_class"
	case StatusInvalidArgument:
		return "invalid_argument"
	default:
		return "error"
	}
}
