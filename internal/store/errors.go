package store

import "errors"

var (
	ErrNotFound          = errors.New("row not found")
	ErrUnknownTable      = errors.New("unknown table")
	ErrUnknownColumn     = errors.New("unknown filter column")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrKeyMismatch       = errors.New("payload id does not match key")
	ErrVersionRegression = errors.New("version regression")
	ErrForeignKey        = errors.New("foreign key violation")
	ErrUniqueViolation   = errors.New("unique violation")
	ErrNotNull           = errors.New("not null violation")
)
