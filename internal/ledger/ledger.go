// Package ledger records the lifecycle of transfer attempts: at most one
// mutable current transfer plus an append-only history of terminal
// outcomes.
package ledger

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dropwire/internal/signaling"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status is final. A record never transitions
// out of a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusFailed
}

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// CurrentTransfer is the mutable in-flight transfer, discarded or replaced
// once it reaches a terminal status.
type CurrentTransfer struct {
	Metadata  signaling.FileMetadata
	Direction Direction
	Status    Status
	Progress  int
}

type Ledger struct {
	log   *logrus.Logger
	store *Store

	mu      sync.Mutex
	current *CurrentTransfer
}

func New(log *logrus.Logger, store *Store) *Ledger {
	return &Ledger{log: log, store: store}
}

// StartTransfer creates the current transfer with status pending and zero
// progress, replacing any prior non-terminal one.
func (l *Ledger) StartTransfer(meta signaling.FileMetadata, direction Direction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = &CurrentTransfer{
		Metadata:  meta,
		Direction: direction,
		Status:    StatusPending,
		Progress:  0,
	}
}

// MarkInProgress moves a pending transfer to in_progress.
func (l *Ledger) MarkInProgress() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.Status.Terminal() {
		return
	}
	l.current.Status = StatusInProgress
}

// UpdateProgress mutates progress only while a non-terminal current
// transfer exists.
func (l *Ledger) UpdateProgress(progress int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.Status.Terminal() {
		return
	}
	l.current.Progress = progress
}

// Current returns a snapshot of the in-flight transfer, nil when idle.
func (l *Ledger) Current() *CurrentTransfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	snapshot := *l.current
	return &snapshot
}

func (l *Ledger) CompleteTransfer() { l.finalize(StatusCompleted) }
func (l *Ledger) RejectTransfer()   { l.finalize(StatusRejected) }
func (l *Ledger) FailTransfer()     { l.finalize(StatusFailed) }

// finalize pushes a terminal snapshot into history and clears the current
// transfer. A transfer already terminal is left untouched.
func (l *Ledger) finalize(status Status) {
	l.mu.Lock()
	if l.current == nil || l.current.Status.Terminal() {
		l.mu.Unlock()
		return
	}
	l.current.Status = status
	record := Record{
		FileID:    l.current.Metadata.ID,
		Name:      l.current.Metadata.Name,
		Size:      l.current.Metadata.Size,
		MimeType:  l.current.Metadata.MimeType,
		Direction: string(l.current.Direction),
		Status:    string(status),
		Timestamp: time.Now(),
	}
	l.current = nil
	l.mu.Unlock()

	if err := l.store.Append(&record); err != nil {
		l.log.Warnf("Failed to record transfer history: %v", err)
	}
}

// History returns all terminal transfer records, oldest first.
func (l *Ledger) History() ([]Record, error) {
	return l.store.List()
}

// DeleteTransfer removes a history entry by file id. Housekeeping only, no
// protocol effect.
func (l *Ledger) DeleteTransfer(fileID string) error {
	return l.store.Delete(fileID)
}

// Reset discards the current transfer without recording an outcome.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = nil
}
