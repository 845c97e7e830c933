// Package audit provides the fire-and-forget operational trail. A
// failed or dropped audit write never fails the operation it records.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bitvex/bitvex/pkg/metrics"
	"github.com/bitvex/bitvex/pkg/models"
)

// Sink accepts audit records. Record must never block the caller.
type Sink interface {
	Record(action string, actorID uuid.UUID, details map[string]interface{})
}

// NopSink discards all records
type NopSink struct{}

func (NopSink) Record(action string, actorID uuid.UUID, details map[string]interface{}) {}

// Service writes audit records asynchronously through a bounded queue.
// When the queue is full records are dropped and counted, not blocked on.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	queue  chan models.AuditRecord
	done   chan struct{}
}

// NewService creates the audit service and starts its writer goroutine
func NewService(db *gorm.DB, logger *zap.Logger, queueSize int) *Service {
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &Service{
		db:     db,
		logger: logger,
		queue:  make(chan models.AuditRecord, queueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Service) Record(action string, actorID uuid.UUID, details map[string]interface{}) {
	var encoded string
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			s.logger.Warn("Failed to encode audit details", zap.String("action", action), zap.Error(err))
		} else {
			encoded = string(b)
		}
	}

	rec := models.AuditRecord{
		ID:        uuid.New(),
		Action:    action,
		ActorID:   actorID,
		Details:   encoded,
		CreatedAt: time.Now().UTC(),
	}

	select {
	case s.queue <- rec:
	default:
		metrics.AuditDropped.Inc()
		s.logger.Warn("Audit queue full, dropping record", zap.String("action", action))
	}
}

func (s *Service) run() {
	defer close(s.done)
	for rec := range s.queue {
		if err := s.db.Create(&rec).Error; err != nil {
			s.logger.Error("Failed to write audit record",
				zap.String("action", rec.Action), zap.Error(err))
		}
	}
}

// Close drains the queue and stops the writer
func (s *Service) Close() {
	close(s.queue)
	<-s.done
}
