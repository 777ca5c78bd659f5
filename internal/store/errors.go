package store

import "errors"

var (
	ErrNotFound         = errors.New("record not found")
	ErrParentNotSynced  = errors.New("parent header has no external item id")
	ErrCorruptIndex     = errors.New("prior-state index is corrupt")
	ErrUnknownDriver    = errors.New("unknown database driver")
	ErrInvalidTableName = errors.New("invalid table name")
)
