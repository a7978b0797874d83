package database

import (
	"context"
	"time"

	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Purger removes expired sessions and access logs past retention.
type Purger struct {
	logger    *logrus.Logger
	db        *gorm.DB
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewPurger(logger *logrus.Logger, db *gorm.DB, interval, retention time.Duration) *Purger {
	return &Purger{
		logger:    logger,
		db:        db,
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

func (p *Purger) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	logEntry := p.logger.WithField("component", "purger")
	logEntry.Info("Starting purger")

	for {
		select {
		case <-ticker.C:
			p.Purge(ctx, logEntry)
		case <-ctx.Done():
			logEntry.Info("Stopping purger")
			return
		}
	}
}

// Purge runs one pass and returns the number of sessions and access logs
// removed.
func (p *Purger) Purge(ctx context.Context, log *logrus.Entry) (int64, int64) {
	log = log.WithField("operation", "purge")
	now := p.now()

	sessions := p.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.Session{})
	if sessions.Error != nil {
		log.WithError(sessions.Error).Error("Session purge failed")
	}

	var logsRemoved int64
	if p.retention > 0 {
		logs := p.db.WithContext(ctx).
			Where("timestamp < ?", now.Add(-p.retention)).
			Delete(&models.AccessLog{})
		if logs.Error != nil {
			log.WithError(logs.Error).Error("Access log purge failed")
		}
		logsRemoved = logs.RowsAffected
	}

	log.WithFields(logrus.Fields{
		"sessions":    sessions.RowsAffected,
		"access_logs": logsRemoved,
	}).Info("Purged expired records")

	return sessions.RowsAffected, logsRemoved
}
