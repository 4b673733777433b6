package broker

import "errors"

var (
	ErrInvalidName    = errors.New("invalid name")
	ErrTargetNotFound = errors.New("target not found")
	ErrEmptyMessage   = errors.New("empty message")
	ErrDisconnected   = errors.New("connection already closed")
)
