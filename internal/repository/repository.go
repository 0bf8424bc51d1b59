// Package repository contains data access layer abstractions.
// Implementations live in subpackages (e.g., postgres) inside this directory.
package repository

import (
	"errors"
)

var (
	// ErrDuplicate is returned when (source_reference, idempotency_key) already exists.
	ErrDuplicate = errors.New("invoice already exists for source reference and idempotency key")
	// ErrNotFound is returned when no live row matches the requested id.
	ErrNotFound = errors.New("invoice not found")
)

// PageQuery holds limit/offset pagination parameters.
type PageQuery struct {
	Limit  int
	Offset int
}

// PageResult is a generic pagination result wrapper.
// T is typically a model type.
type PageResult[T any] struct {
	Items []T
	Total int
}
