package outcomes

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/settle/internal/domain"
)

const (
	DefaultDir   = "./wal/outcomes"
	segmentLimit = 1000
	maxSegments  = 100

	outcomeKeyPrefix = "transfer_outcome_"
)

// WALStore is an append-only journal of finalized transfers.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed outcome journal.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "outcome_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init outcome WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Save appends the outcome.
func (s *WALStore) Save(outcome domain.TransferOutcome) error {
	if s == nil || s.wal == nil {
		return errors.New("outcome store is not initialized")
	}
	if outcome.ReferenceID == "" {
		return errors.New("outcome reference id is required")
	}
	if !outcome.Status.IsTerminal() {
		return errors.Errorf("outcome status must be terminal, got %s", outcome.Status)
	}

	payload, err := json.Marshal(outcome)
	if err != nil {
		return errors.Wrap(err, "marshal transfer outcome")
	}

	key := fmt.Sprintf("%s%s", outcomeKeyPrefix, outcome.ReferenceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// EventsAfter returns all outcomes written after the provided WAL index.
func (s *WALStore) EventsAfter(index uint64) ([]domain.TransferOutcomeRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("outcome store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]domain.TransferOutcomeRecord, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil || !strings.HasPrefix(key, outcomeKeyPrefix) {
			continue
		}

		var outcome domain.TransferOutcome
		if err := json.Unmarshal(payload, &outcome); err != nil {
			return nil, errors.Wrapf(err, "decode transfer outcome at index %d", idx)
		}
		records = append(records, domain.TransferOutcomeRecord{Index: idx, Outcome: outcome})
	}

	return records, nil
}

// Find returns the journaled outcome of a transfer, if any.
func (s *WALStore) Find(referenceID string) (domain.TransferOutcome, bool, error) {
	records, err := s.EventsAfter(0)
	if err != nil {
		return domain.TransferOutcome{}, false, err
	}

	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Outcome.ReferenceID == referenceID {
			return records[i].Outcome, true, nil
		}
	}

	return domain.TransferOutcome{}, false, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("outcome store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
