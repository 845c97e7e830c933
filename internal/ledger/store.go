package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	errs "github.com/bitvex/bitvex/pkg/errors"
	"github.com/bitvex/bitvex/pkg/models"
)

// Store is the durable, append-only home of ledger entries.
//
// "Most recent" is defined by the per-(user, currency) ordinal, not by
// wall clock: two entries can share a timestamp, ordinals cannot. The
// unique (user_id, currency, ordinal) index makes Append a
// compare-and-swap: a writer that read ordinal N and tries to append
// N+1 after another writer already did gets a conflict error.
type Store interface {
	// Append persists a new immutable entry, all-or-nothing. Returns a
	// conflict error if the entry's ordinal is already taken for the
	// pair, a storage error on I/O failure.
	Append(ctx context.Context, entry *models.LedgerEntry) error

	// Latest returns the most recent entry for the pair, or nil if the
	// pair has never transacted.
	Latest(ctx context.Context, userID uuid.UUID, currency string) (*models.LedgerEntry, error)

	// History returns entries for the pair in reverse ordinal order,
	// with the total count for pagination.
	History(ctx context.Context, userID uuid.UUID, currency string, limit, offset int) ([]*models.LedgerEntry, int64, error)

	// Currencies lists every currency the user has an entry in.
	Currencies(ctx context.Context, userID uuid.UUID) ([]string, error)

	// RunInTx executes fn against a Store bound to a single storage
	// transaction. Everything fn appends commits or rolls back together.
	RunInTx(ctx context.Context, fn func(tx Store) error) error
}

// GormStore implements Store on a relational backend
type GormStore struct {
	db *gorm.DB
}

// NewStore creates a Store over db. The db may be a transaction handle;
// the workflow layer uses that to commit a request transition and its
// ledger entry atomically.
func NewStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Append(ctx context.Context, entry *models.LedgerEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		if errs.Is(err, gorm.ErrDuplicatedKey) {
			return errs.Wrap(errs.KindConflict, err, "ordinal %d already taken for %s/%s", entry.Ordinal, entry.UserID, entry.Currency)
		}
		return errs.Wrap(errs.KindStorage, err, "failed to append ledger entry")
	}
	return nil
}

func (s *GormStore) Latest(ctx context.Context, userID uuid.UUID, currency string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND currency = ?", userID, currency).
		Order("ordinal DESC").
		First(&entry).Error
	if err != nil {
		if errs.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindStorage, err, "failed to read latest ledger entry")
	}
	return &entry, nil
}

func (s *GormStore) History(ctx context.Context, userID uuid.UUID, currency string, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("user_id = ? AND currency = ?", userID, currency)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errs.Wrap(errs.KindStorage, err, "failed to count ledger entries")
	}

	var entries []*models.LedgerEntry
	if err := query.Order("ordinal DESC").Limit(limit).Offset(offset).Find(&entries).Error; err != nil {
		return nil, 0, errs.Wrap(errs.KindStorage, err, "failed to list ledger entries")
	}
	return entries, total, nil
}

func (s *GormStore) Currencies(ctx context.Context, userID uuid.UUID) ([]string, error) {
	var currencies []string
	err := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("user_id = ?", userID).
		Distinct("currency").
		Order("currency").
		Pluck("currency", &currencies).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "failed to list currencies")
	}
	return currencies, nil
}

func (s *GormStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}
