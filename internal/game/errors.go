package game

import "errors"

// Error taxonomy shared by all engines. Callers match with errors.Is and map
// onto user-facing error payloads; wrapped messages carry the reason.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
)
