package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyTerminal is returned when a terminal-only update targets a run
// that has already reached an end state.
var ErrAlreadyTerminal = errors.New("storage: run already terminal")

// ErrNotReviewable is returned when a reviewer decision targets a run that
// cannot accept one: still in flight, resolved clear, or already reviewed.
var ErrNotReviewable = errors.New("storage: run not reviewable")
