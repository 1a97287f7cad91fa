package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/model"
)

// Key prefixes of the embedded index store. Level keys are the big-endian
// (level, sub-level) pair, range keys the big-endian range id, so iteration
// order matches id order.
const (
	levelPrefix byte = 'L'
	rangePrefix byte = 'R'
)

// PebbleIndexStore implements IndexStore on an embedded pebble database.
type PebbleIndexStore struct {
	db     *pebble.DB
	logger *zap.Logger
	// serializes SaveLevel check-and-set
	mu sync.Mutex
}

// NewPebbleIndexStore opens (or creates) the database in dir
func NewPebbleIndexStore(dir string, logger *zap.Logger) (*PebbleIndexStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dir, err)
	}
	return &PebbleIndexStore{db: db, logger: logger}, nil
}

func levelKey(k model.LevelKey) []byte {
	key := make([]byte, 9)
	key[0] = levelPrefix
	binary.BigEndian.PutUint32(key[1:], k.Level)
	binary.BigEndian.PutUint32(key[5:], k.SubLevel)
	return key
}

func rangeKey(id model.RangeID) []byte {
	key := make([]byte, 9)
	key[0] = rangePrefix
	binary.BigEndian.PutUint64(key[1:], uint64(id))
	return key
}

// ListLevels returns all levels ordered by id
func (s *PebbleIndexStore) ListLevels(ctx context.Context) ([]model.Level, error) {
	var levels []model.Level
	err := s.scan(levelPrefix, func(value []byte) error {
		var l model.Level
		if err := json.Unmarshal(value, &l); err != nil {
			return fmt.Errorf("failed to decode level: %w", err)
		}
		levels = append(levels, l)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].ID < levels[j].ID })
	return levels, nil
}

// SaveLevel inserts a level
func (s *PebbleIndexStore) SaveLevel(ctx context.Context, level model.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := levelKey(level.Key())
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return apperrors.DuplicateLevel(level.Level, level.SubLevel)
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("failed to read level: %w", err)
	}

	data, err := json.Marshal(level)
	if err != nil {
		return fmt.Errorf("failed to encode level: %w", err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save level: %w", err)
	}
	return nil
}

// ListRanges returns all ranges ordered by id
func (s *PebbleIndexStore) ListRanges(ctx context.Context) ([]*model.Range, error) {
	var ranges []*model.Range
	err := s.scan(rangePrefix, func(value []byte) error {
		r := &model.Range{}
		if err := json.Unmarshal(value, r); err != nil {
			return fmt.Errorf("failed to decode range: %w", err)
		}
		ranges = append(ranges, r)
		return nil
	})
	return ranges, err
}

// SaveRange inserts or replaces a range
func (s *PebbleIndexStore) SaveRange(ctx context.Context, r *model.Range) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode range: %w", err)
	}
	if err := s.db.Set(rangeKey(r.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save range %d: %w", r.ID, err)
	}
	return nil
}

// Close flushes and closes the database
func (s *PebbleIndexStore) Close() error {
	return s.db.Close()
}

func (s *PebbleIndexStore) scan(prefix byte, fn func(value []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: []byte{prefix + 1},
	})
	if err != nil {
		return fmt.Errorf("failed to open index store iterator: %w", err)
	}
	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Value()); err != nil {
			it.Close()
			return err
		}
	}
	if err := it.Error(); err != nil {
		it.Close()
		return fmt.Errorf("failed to iterate index store: %w", err)
	}
	return it.Close()
}
