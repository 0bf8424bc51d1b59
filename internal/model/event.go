package model

import (
	"fmt"
	"time"
)

// UploadEvent identifies a newly stored source document. It is created once per
// delivery and never mutated.
type UploadEvent struct {
	Bucket         string    `json:"bucket"`
	Key            string    `json:"key"`
	Size           int64     `json:"size"`
	ArrivedAt      time.Time `json:"arrived_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// NewUploadEvent builds an event, deriving the idempotency key from the object
// key, size and arrival time when the caller did not supply one.
func NewUploadEvent(bucket, key string, size int64, arrivedAt time.Time, idempotencyKey string) UploadEvent {
	if idempotencyKey == "" {
		idempotencyKey = DeriveIdempotencyKey(key, size, arrivedAt)
	}
	return UploadEvent{
		Bucket:         bucket,
		Key:            key,
		Size:           size,
		ArrivedAt:      arrivedAt,
		IdempotencyKey: idempotencyKey,
	}
}

// DeriveIdempotencyKey formats key:size:arrival (RFC3339, UTC).
func DeriveIdempotencyKey(key string, size int64, arrivedAt time.Time) string {
	return fmt.Sprintf("%s:%d:%s", key, size, arrivedAt.UTC().Format(time.RFC3339))
}

// SourceReference is the location key stored on the resulting invoice.
func (e UploadEvent) SourceReference() string {
	return e.Key
}
