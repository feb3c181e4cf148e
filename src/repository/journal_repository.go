package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"riskmonitor/src/database"
	"riskmonitor/src/model"
)

// JournalRepository handles read/write operations for the order journal.
type JournalRepository struct {
	db *gorm.DB
}

// NewJournalRepository creates a new repository instance using the main read/write database.
func NewJournalRepository() *JournalRepository {
	logger.WithField("component", "JournalRepository").
		Info("Creating new JournalRepository with MainDB")

	return &JournalRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *JournalRepository) WithDB(db *gorm.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// Record inserts one order lifecycle event.
// The given entry will be updated with the generated ID and timestamp.
func (r *JournalRepository) Record(entry *model.OrderJournalEntry) error {

	logger.WithFields(map[string]interface{}{
		"repo":     "JournalRepository",
		"op":       "Record",
		"position": entry.PositionKey,
		"order_id": entry.BrokerOrderID,
		"event":    entry.Event,
	}).Debug("Recording order journal event")

	err := r.db.Create(entry).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "JournalRepository",
			"op":   "Record",
		}).WithError(err).Error("Failed to record journal event")

		return err
	}

	return nil
}

// JournalSearchOptions narrows a journal query. Zero-valued fields are ignored.
type JournalSearchOptions struct {
	Account       string
	PositionKey   *string
	BrokerOrderID *string
	Event         *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Search returns journal entries for an account, newest first.
func (r *JournalRepository) Search(
	ctx context.Context,
	opts JournalSearchOptions,
) ([]model.OrderJournalEntry, error) {

	logger.WithFields(map[string]interface{}{
		"repo":    "JournalRepository",
		"op":      "Search",
		"account": opts.Account,
	}).Debug("Searching order journal")

	query := r.db.WithContext(ctx).
		Model(&model.OrderJournalEntry{}).
		Where("account = ?", opts.Account)

	if opts.PositionKey != nil {
		query = query.Where("position_key = ?", *opts.PositionKey)
	}
	if opts.BrokerOrderID != nil {
		query = query.Where("broker_order_id = ?", *opts.BrokerOrderID)
	}
	if opts.Event != nil {
		query = query.Where("event = ?", *opts.Event)
	}
	if opts.CreatedAfter != nil {
		query = query.Where("created_at >= ?", *opts.CreatedAfter)
	}
	if opts.CreatedBefore != nil {
		query = query.Where("created_at <= ?", *opts.CreatedBefore)
	}

	query = query.Order("created_at DESC, id DESC")

	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}

	var entries []model.OrderJournalEntry
	if err := query.Find(&entries).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "JournalRepository",
			"op":   "Search",
		}).WithError(err).Error("Failed to search order journal")

		return nil, err
	}

	return entries, nil
}

// LastByOrderID fetches the most recent journal entry for a broker order.
// Returns (nil, nil) if no entry exists.
func (r *JournalRepository) LastByOrderID(
	ctx context.Context,
	brokerOrderID string,
) (*model.OrderJournalEntry, error) {

	var entry model.OrderJournalEntry

	err := r.db.WithContext(ctx).
		Where("broker_order_id = ?", brokerOrderID).
		Order("created_at DESC, id DESC").
		Take(&entry).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":     "JournalRepository",
			"op":       "LastByOrderID",
			"order_id": brokerOrderID,
		}).WithError(err).Error("Failed to fetch last journal entry")

		return nil, err
	}

	return &entry, nil
}
