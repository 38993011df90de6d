package domain

import "errors"

// ErrDuplicateFingerprint is returned by stores when an intake event with the
// same fingerprint was committed first.
var ErrDuplicateFingerprint = errors.New("intake event fingerprint already exists")

// ErrNotFound is returned when an update targets a row that does not exist.
var ErrNotFound = errors.New("not found")
