package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/headline-goat/labgoat/internal/experiment"
)

// BadgerConfig holds configuration for a BadgerStore.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	Logger *zap.Logger
}

const (
	gcDiscardRatio = 0.5
	maxTxnAttempts = 10
)

var (
	prefixExperiment  = []byte("exp/")
	prefixParticipant = []byte("part/")
	prefixConversion  = []byte("conv/")
	prefixLease       = []byte("lease/")
)

// BadgerStore keeps experiments and their logs in an embedded BadgerDB.
// Read-modify-write operations run in serializable transactions and are
// retried on conflict.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

type zapBadgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapBadgerLogger) Errorf(format string, args ...any)   { l.sugar.Errorf(format, args...) }
func (l zapBadgerLogger) Warningf(format string, args ...any) { l.sugar.Warnf(format, args...) }
func (l zapBadgerLogger) Infof(format string, args ...any)    { l.sugar.Debugf(format, args...) }
func (l zapBadgerLogger) Debugf(format string, args ...any)   { l.sugar.Debugf(format, args...) }

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(zapBadgerLogger{sugar: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration) {
	defer close(s.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(gcDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC failed", zap.Error(err))
			}
		}
	}
}

func (s *BadgerStore) Close() error {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
	}
	return s.db.Close()
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on conflict.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// view runs fn in a read-only transaction. Badger reads cannot be
// interrupted, so ctx is checked before and after.
func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.View(fn); err != nil {
		return err
	}
	return ctx.Err()
}

func experimentKey(id string) []byte {
	return append(append([]byte{}, prefixExperiment...), id...)
}

func participantPrefix(experimentID string) []byte {
	return []byte(string(prefixParticipant) + experimentID + "/")
}

func participantKey(experimentID, participantID string) []byte {
	return append(participantPrefix(experimentID), participantID...)
}

func conversionPrefix(experimentID string) []byte {
	return []byte(string(prefixConversion) + experimentID + "/")
}

func leaseKey(name string) []byte {
	return append(append([]byte{}, prefixLease...), name...)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// scan decodes every value under prefix with decode.
func scan(txn *badger.Txn, prefix []byte, decode func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(decode); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) CreateExperiment(ctx context.Context, e *experiment.Experiment) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := experimentKey(e.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, e)
	})
}

func (s *BadgerStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	var e experiment.Experiment
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, experimentKey(id), &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BadgerStore) ListExperiments(ctx context.Context, filter ListFilter) ([]*experiment.Experiment, error) {
	var out []*experiment.Experiment
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefixExperiment, func(val []byte) error {
			var e experiment.Experiment
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			if filter.Status == "" || e.Status == filter.Status {
				out = append(out, &e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *BadgerStore) UpdateDraft(ctx context.Context, e *experiment.Experiment) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var current experiment.Experiment
		if err := getJSON(txn, experimentKey(e.ID), &current); err != nil {
			return err
		}
		if current.Status != experiment.StatusDraft {
			return ErrStatusMismatch
		}
		return setJSON(txn, experimentKey(e.ID), e)
	})
}

func (s *BadgerStore) CompareAndSwapStatus(ctx context.Context, id string, from, to experiment.Status, apply func(*experiment.Experiment)) (*experiment.Experiment, error) {
	var out *experiment.Experiment
	err := s.update(ctx, func(txn *badger.Txn) error {
		var e experiment.Experiment
		if err := getJSON(txn, experimentKey(id), &e); err != nil {
			return err
		}
		if e.Status != from {
			return ErrStatusMismatch
		}
		if apply != nil {
			apply(&e)
		}
		e.Status = to
		e.UpdatedAt = time.Now().UTC()
		if err := setJSON(txn, experimentKey(id), &e); err != nil {
			return err
		}
		out = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) AssignParticipant(ctx context.Context, p *experiment.Participant) (*experiment.Participant, bool, error) {
	var stored experiment.Participant
	var created bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := participantKey(p.ExperimentID, p.ID)
		err := getJSON(txn, key, &stored)
		if err == nil {
			created = false
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		stored = *p
		created = true
		return setJSON(txn, key, p)
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

func (s *BadgerStore) GetParticipant(ctx context.Context, experimentID, participantID string) (*experiment.Participant, error) {
	var p experiment.Participant
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, participantKey(experimentID, participantID), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BadgerStore) AppendConversion(ctx context.Context, ev *experiment.ConversionEvent, binary bool) (bool, error) {
	var recorded bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := append(conversionPrefix(ev.ExperimentID), dedupKey(ev, binary)...)
		var existing experiment.ConversionEvent
		err := getJSON(txn, key, &existing)
		switch {
		case errors.Is(err, ErrNotFound):
			recorded = true
			stored := *ev
			stored.LastSeenAt = ev.Timestamp
			return setJSON(txn, key, &stored)
		case err != nil:
			return err
		}

		recorded = false
		if ev.Timestamp.After(existing.LastSeenAt) {
			existing.LastSeenAt = ev.Timestamp
			return setJSON(txn, key, &existing)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return recorded, nil
}

func (s *BadgerStore) ListConversions(ctx context.Context, experimentID string) ([]*experiment.ConversionEvent, error) {
	var out []*experiment.ConversionEvent
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, conversionPrefix(experimentID), func(val []byte) error {
			var ev experiment.ConversionEvent
			if err := json.Unmarshal(val, &ev); err != nil {
				return err
			}
			out = append(out, &ev)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *BadgerStore) VariantMetrics(ctx context.Context, experimentID string) (map[string]experiment.PerformanceMetrics, error) {
	out := make(map[string]experiment.PerformanceMetrics)
	err := s.view(ctx, func(txn *badger.Txn) error {
		err := scan(txn, participantPrefix(experimentID), func(val []byte) error {
			var p experiment.Participant
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			pm := out[p.VariantID]
			pm.Visitors++
			out[p.VariantID] = pm
			return nil
		})
		if err != nil {
			return err
		}

		return scan(txn, conversionPrefix(experimentID), func(val []byte) error {
			var ev experiment.ConversionEvent
			if err := json.Unmarshal(val, &ev); err != nil {
				return err
			}
			var revenue float64
			if ev.Value != nil {
				revenue = *ev.Value
			}
			addConversion(out, ev.VariantID, ev.GoalID, 1, revenue)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate metrics: %w", err)
	}
	return out, nil
}

type lease struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *BadgerStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	var granted bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		now := time.Now()
		var current lease
		err := getJSON(txn, leaseKey(name), &current)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil && current.Holder != holder && now.Before(current.ExpiresAt) {
			granted = false
			return nil
		}

		granted = true
		return setJSON(txn, leaseKey(name), lease{Holder: holder, ExpiresAt: now.Add(ttl)})
	})
	if err != nil {
		return false, err
	}
	return granted, nil
}

func (s *BadgerStore) ReleaseLease(ctx context.Context, name, holder string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var current lease
		err := getJSON(txn, leaseKey(name), &current)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Holder != holder {
			return nil
		}
		return txn.Delete(leaseKey(name))
	})
}
