// internal/discovery/errors.go
package discovery

import "errors"

// ErrNotFound means no attached device matched the filter. It is an expected outcome.
var ErrNotFound = errors.New("no matching USB serial device")
