package repository

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrVersionConflict = errors.New("version changed or stock exhausted")
	ErrTerminalStatus  = errors.New("status already terminal")
	ErrRequestMismatch = errors.New("request id recorded for another user or date")
)
