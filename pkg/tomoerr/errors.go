// Package tomoerr defines the error taxonomy shared by the reconstruction
// packages. Every error returned by the engine wraps exactly one of the
// sentinels below, so callers classify failures with errors.Is.
package tomoerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned for invalid or conflicting settings:
	// fidelity combinations, regularisation parameters, a non-positive
	// Lipschitz constant, or mismatched volume/sinogram shapes.
	ErrConfiguration = errors.New("tomofista: configuration error")

	// ErrNumerical is returned when the computation degenerates: an all-zero
	// projector output in the power method, or NaN/Inf values appearing in
	// the volume or the gradient.
	ErrNumerical = errors.New("tomofista: numerical error")

	// ErrCollaborator is returned when a projector or regulariser call fails.
	// The collaborator's own error is kept in the chain unchanged.
	ErrCollaborator = errors.New("tomofista: collaborator error")
)

// Configf formats a configuration error.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Numericalf formats a numerical error.
func Numericalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNumerical, fmt.Sprintf(format, args...))
}

// Collaborator wraps a failure of the named collaborator operation.
// Errors that already carry one of the sentinels are returned unchanged.
func Collaborator(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrNumerical) || errors.Is(err, ErrCollaborator) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrCollaborator, op, err)
}

// Collaboratorf formats a failure found in a collaborator's output, such as
// a result of the wrong shape.
func Collaboratorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCollaborator, fmt.Sprintf(format, args...))
}
