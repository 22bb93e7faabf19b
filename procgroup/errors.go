package procgroup

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds from spec.md §7: invalid-argument, unsupported, transport
// failure, dimension mismatch, timeout. Transport failures and timeouts
// surface as whatever the transport/store collaborators return, wrapped
// with context; the remaining three are sentinels every caller can match
// with errors.Is.
var (
	ErrInvalidArgument   = errors.New("procgroup: invalid argument")
	ErrUnsupported       = errors.New("procgroup: unsupported")
	ErrDimensionMismatch = errors.New("procgroup: dimension mismatch")
)

func invalidArgf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

func dimensionMismatchf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrDimensionMismatch, format, args...)
}

// panicToError converts a recovered panic value into an error, the Go
// equivalent of spec.md §4.1's "runs work->run() inside a try/catch,
// capturing any exception into the Work".
func panicToError(r interface{}) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(err, "procgroup: job panicked")
	}
	return fmt.Errorf("procgroup: job panicked: %v", r)
}
