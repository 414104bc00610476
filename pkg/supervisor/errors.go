package supervisor

import "errors"

// Stable error values surfaced to the API layer. The HTTP layer maps these
// to machine-readable reply codes.
var (
	ErrAlreadyExists = errors.New("already_exists")
	ErrNotFound      = errors.New("not_found")
	ErrBusy          = errors.New("busy")
	ErrPortInUse     = errors.New("port_in_use")
	ErrInvalidState  = errors.New("invalid_state")
)
