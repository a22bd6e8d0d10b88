package catalog

import "errors"

// ErrInstrumentNotAvailable is returned when a canonical symbol has no
// catalog entry at all (as opposed to simply lacking an account mapping).
var ErrInstrumentNotAvailable = errors.New("instrument not available")
