package storage

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/measurementplane/internal/database"
	"github.com/BaSui01/measurementplane/types"
)

// storeRetries bounds transaction retries per stored record.
const storeRetries = 3

type resultRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Topic     string    `gorm:"size:255;not null;index:idx_results_topic_stored"`
	Label     string    `gorm:"size:255"`
	Values    string    `gorm:"column:result_values;type:text;not null"`
	Timestamp string    `gorm:"column:result_timestamp;size:32"`
	StoredAt  time.Time `gorm:"not null;index:idx_results_topic_stored"`
}

func (resultRow) TableName() string { return "measurement_results" }

// SQLBackend stores records in a relational database through gorm.
type SQLBackend struct {
	pool *database.PoolManager
}

// NewSQLBackend returns the backend on pool. The schema must already be in
// place; see the migration package and "mplane migrate up".
func NewSQLBackend(pool *database.PoolManager) (*SQLBackend, error) {
	if !pool.DB().Migrator().HasTable(&resultRow{}) {
		return nil, types.NewError(types.ErrStorage, "table measurement_results does not exist, run mplane migrate up")
	}
	return &SQLBackend{pool: pool}, nil
}

// Name implements Backend.
func (b *SQLBackend) Name() string { return "sql" }

// Store implements Backend.
func (b *SQLBackend) Store(ctx context.Context, rec Record) error {
	row := resultRow{
		ID:        rec.ID,
		Topic:     rec.Topic,
		Label:     rec.Label,
		Values:    string(rec.Values),
		Timestamp: rec.Timestamp,
		StoredAt:  rec.StoredAt,
	}
	err := b.pool.WithTransactionRetry(ctx, storeRetries, func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
	if err != nil {
		return types.NewError(types.ErrStorage, "insert result").WithCause(err)
	}
	return nil
}

// List implements Backend.
func (b *SQLBackend) List(ctx context.Context, topic string) ([]Record, error) {
	var rows []resultRow
	err := b.pool.DB().WithContext(ctx).
		Where("topic = ?", topic).
		Order("stored_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "list results").WithCause(err)
	}

	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = Record{
			ID:        r.ID,
			Topic:     r.Topic,
			Label:     r.Label,
			Values:    []byte(r.Values),
			Timestamp: r.Timestamp,
			StoredAt:  r.StoredAt,
		}
	}
	return out, nil
}

// Prune implements Backend.
func (b *SQLBackend) Prune(ctx context.Context, topic string) (int64, error) {
	var n int64
	err := b.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Where("topic = ?", topic).Delete(&resultRow{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, types.NewError(types.ErrStorage, "prune results").WithCause(err)
	}
	return n, nil
}

// Ping implements Backend.
func (b *SQLBackend) Ping(ctx context.Context) error { return b.pool.Ping(ctx) }

// Close implements Backend.
func (b *SQLBackend) Close() error { return b.pool.Close() }
