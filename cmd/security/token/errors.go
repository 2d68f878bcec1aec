package token

import "errors"

// ErrMissing is returned when a request carries no credential.
var ErrMissing = errors.New("token: missing credential")
