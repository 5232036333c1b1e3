package store

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrVersionConflict   = errors.New("mirror version conflict")
	ErrInvalidTransition = errors.New("invalid sync state transition")
	ErrDraftBusy         = errors.New("modification is queued for sync")
)
