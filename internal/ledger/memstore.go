package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	errs "github.com/bitvex/bitvex/pkg/errors"
	"github.com/bitvex/bitvex/pkg/models"
)

// MemStore is an in-memory Store for tests and local development. It
// keeps entries in a btree ordered by (user, currency, ordinal) so
// Latest and History share the durable store's ordering contract.
type MemStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*models.LedgerEntry]
	seq  int64
}

func entryLess(a, b *models.LedgerEntry) bool {
	if a.UserID != b.UserID {
		return a.UserID.String() < b.UserID.String()
	}
	if a.Currency != b.Currency {
		return a.Currency < b.Currency
	}
	return a.Ordinal < b.Ordinal
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{tree: btree.NewBTreeG(entryLess)}
}

func (s *MemStore) Append(ctx context.Context, entry *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(entry)
}

func (s *MemStore) appendLocked(entry *models.LedgerEntry) error {
	if _, exists := s.tree.Get(entry); exists {
		return errs.New(errs.KindConflict, "ordinal %d already taken for %s/%s", entry.Ordinal, entry.UserID, entry.Currency)
	}
	s.seq++
	entry.Sequence = s.seq
	copied := *entry
	s.tree.Set(&copied)
	return nil
}

func (s *MemStore) Latest(ctx context.Context, userID uuid.UUID, currency string) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pivot := &models.LedgerEntry{UserID: userID, Currency: currency, Ordinal: int64(^uint64(0) >> 1)}
	var found *models.LedgerEntry
	s.tree.Descend(pivot, func(item *models.LedgerEntry) bool {
		if item.UserID == userID && item.Currency == currency {
			found = item
		}
		return false
	})
	if found == nil {
		return nil, nil
	}
	copied := *found
	return &copied, nil
}

func (s *MemStore) History(ctx context.Context, userID uuid.UUID, currency string, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pivot := &models.LedgerEntry{UserID: userID, Currency: currency, Ordinal: int64(^uint64(0) >> 1)}
	var all []*models.LedgerEntry
	s.tree.Descend(pivot, func(item *models.LedgerEntry) bool {
		if item.UserID != userID || item.Currency != currency {
			return false
		}
		copied := *item
		all = append(all, &copied)
		return true
	})

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (s *MemStore) Currencies(ctx context.Context, userID uuid.UUID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	var currencies []string
	s.tree.Scan(func(item *models.LedgerEntry) bool {
		if item.UserID == userID && !seen[item.Currency] {
			seen[item.Currency] = true
			currencies = append(currencies, item.Currency)
		}
		return true
	})
	sort.Strings(currencies)
	return currencies, nil
}

// RunInTx serializes the whole store for the duration of fn and rolls
// back any appended entries if fn fails. Coarse, but this backend only
// serves tests and single-user development.
func (s *MemStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		for _, e := range tx.appended {
			s.tree.Delete(e)
		}
		return err
	}
	return nil
}

type memTx struct {
	store    *MemStore
	appended []*models.LedgerEntry
}

func (t *memTx) Append(ctx context.Context, entry *models.LedgerEntry) error {
	if err := t.store.appendLocked(entry); err != nil {
		return err
	}
	t.appended = append(t.appended, entry)
	return nil
}

func (t *memTx) Latest(ctx context.Context, userID uuid.UUID, currency string) (*models.LedgerEntry, error) {
	pivot := &models.LedgerEntry{UserID: userID, Currency: currency, Ordinal: int64(^uint64(0) >> 1)}
	var found *models.LedgerEntry
	t.store.tree.Descend(pivot, func(item *models.LedgerEntry) bool {
		if item.UserID == userID && item.Currency == currency {
			found = item
		}
		return false
	})
	if found == nil {
		return nil, nil
	}
	copied := *found
	return &copied, nil
}

func (t *memTx) History(ctx context.Context, userID uuid.UUID, currency string, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	return nil, 0, errs.New(errs.KindInternal, "history not available inside a transaction")
}

func (t *memTx) Currencies(ctx context.Context, userID uuid.UUID) ([]string, error) {
	return nil, errs.New(errs.KindInternal, "currencies not available inside a transaction")
}

func (t *memTx) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}
