package store

import "errors"

var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicateProject = errors.New("duplicate project")
	ErrDuplicateEvent   = errors.New("duplicate ingress event")
	ErrDecisionTaken    = errors.New("approval decision already taken")
)
