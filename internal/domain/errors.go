package domain

import "errors"

// ErrInvalidTransition — недопустимая смена статуса.
var ErrInvalidTransition = errors.New("invalid status transition")
