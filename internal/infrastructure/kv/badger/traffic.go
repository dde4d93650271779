package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

var trafficPrefix = []byte("traffic/concept/")

type loggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*loggerAdapter)(nil)

func (l *loggerAdapter) Errorf(msg string, items ...any) { l.logger.Error(fmt.Sprintf(msg, items...)) }
func (l *loggerAdapter) Warningf(msg string, items ...any) {
	l.logger.Warn(fmt.Sprintf(msg, items...))
}
func (l *loggerAdapter) Infof(msg string, items ...any)  { l.logger.Debug(fmt.Sprintf(msg, items...)) }
func (l *loggerAdapter) Debugf(msg string, items ...any) { l.logger.Debug(fmt.Sprintf(msg, items...)) }

// TrafficStore keeps per-concept access counts across restarts so the ontology cache can be warmed.
type TrafficStore struct {
	db *badger.DB
}

// Open opens the store at path; an empty path keeps everything in memory.
func Open(path string, logger *slog.Logger) (*TrafficStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &loggerAdapter{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &TrafficStore{db: db}, nil
}

func (s *TrafficStore) Close() error {
	return s.db.Close()
}

// SaveConceptTraffic adds counts to the stored totals in a single transaction.
func (s *TrafficStore) SaveConceptTraffic(ctx context.Context, counts map[string]uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for id, count := range counts {
			if id == "" || count == 0 {
				continue
			}
			key := trafficKey(id)
			total := count
			item, err := txn.Get(key)
			switch {
			case err == nil:
				prev, err := readCount(item)
				if err != nil {
					return err
				}
				total += prev
			case errors.Is(err, badger.ErrKeyNotFound):
			default:
				return fmt.Errorf("read traffic %s: %w", id, err)
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, total)
			if err := txn.Set(key, buf); err != nil {
				return fmt.Errorf("write traffic %s: %w", id, err)
			}
		}
		return nil
	})
}

// TopConcepts returns the concept ids with the highest stored counts, busiest first.
func (s *TrafficStore) TopConcepts(ctx context.Context, limit int) ([]string, error) {
	type entry struct {
		id    string
		count uint64
	}
	var entries []entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = trafficPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			count, err := readCount(item)
			if err != nil {
				return err
			}
			entries = append(entries, entry{id: string(item.KeyCopy(nil)[len(trafficPrefix):]), count: count})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].id < entries[j].id
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out, nil
}

func trafficKey(conceptID string) []byte {
	return append(append([]byte(nil), trafficPrefix...), conceptID...)
}

func readCount(item *badger.Item) (uint64, error) {
	var count uint64
	err := item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("traffic value for %s has %d bytes", item.Key(), len(val))
		}
		count = binary.BigEndian.Uint64(val)
		return nil
	})
	return count, err
}
