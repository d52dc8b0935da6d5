// Package store provides the DedupRepo interface for redelivered capture
// message deduplication.
package store

import (
	"time"
)

// DedupRecord represents an inbound capture message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	PatientID   string     `json:"patient_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(messageID, patientID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error

	// PurgeInboundBefore deletes records received before cutoff.
	PurgeInboundBefore(cutoff time.Time) (int, error)
}
