package services

import "errors"

// ErrValidation marks caller mistakes: bad amounts, empty required
// text, disallowed status transitions, currency mismatches. These are
// synchronous and non-retryable; callers test with errors.Is.
var ErrValidation = errors.New("validation failed")

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")
