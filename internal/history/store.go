// Package history persists the call log. Writes are funneled through a
// buffered channel and a single writer goroutine so the realtime core never
// waits on the database.
package history

import (
	"log/slog"
	"sync"

	"gorm.io/gorm"

	"github.com/marska/chatline/internal/models"
)

const queueSize = 256

type Store struct {
	db     *gorm.DB
	queue  chan models.CallRecord
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		queue:  make(chan models.CallRecord, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Record queues one call log entry. Never blocks; if the queue is full the
// entry is dropped with a warning — losing a log row is preferable to
// stalling call routing.
func (s *Store) Record(rec models.CallRecord) {
	select {
	case s.queue <- rec:
	default:
		s.logger.Warn("call history queue full, dropping record", "room_id", rec.RoomID)
	}
}

// Recent returns the latest call records, newest first.
func (s *Store) Recent(limit int) ([]models.CallRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []models.CallRecord
	err := s.db.Order("ended_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// RecentFor returns the latest call records involving userID, newest first.
func (s *Store) RecentFor(userID string, limit int) ([]models.CallRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []models.CallRecord
	err := s.db.Where("caller_id = ? OR callee_id = ?", userID, userID).
		Order("ended_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// Close drains the queue and stops the writer.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
	})
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for rec := range s.queue {
		if err := s.db.Create(&rec).Error; err != nil {
			s.logger.Error("failed to write call record", "room_id", rec.RoomID, "error", err)
		}
	}
}
