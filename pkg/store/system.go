package store

import (
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"weft/pkg/logger"
	"weft/pkg/models"
)

// System keys live under "sys:" and hold operational state (schema
// version, migration markers), not user data.

func sysKey(name string) []byte { return []byte("sys:" + name) }

// GetSystemKey returns the value for a system key, or "" when unset.
func (s *Store) GetSystemKey(name string) (string, error) {
	v, err := s.get(sysKey(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(v), nil
}

// SetSystemKey stores a system key.
func (s *Store) SetSystemKey(name, value string) error {
	return s.set(sysKey(name), []byte(value))
}

// DeleteSystemKey removes a system key.
func (s *Store) DeleteSystemKey(name string) error {
	return s.db.Delete(sysKey(name), pebble.Sync)
}

// BackfillLastOrders initializes Thread.LastOrder for threads that lack it
// by scanning their message keys. Idempotent; returns the number of
// threads updated.
func (s *Store) BackfillLastOrders() (int, error) {
	ths, err := s.scanThreads(func(th *models.Thread) bool { return th.LastOrder == 0 })
	if err != nil {
		return 0, err
	}
	updated := 0
	for i := range ths {
		th := &ths[i]
		order, _, found, err := s.maxOrderStep(th.ID)
		if err != nil {
			logger.Error("backfill_scan_failed", "thread", th.ID, "error", err)
			continue
		}
		if !found || order == 0 {
			continue
		}
		th.LastOrder = order
		th.UpdatedTS = time.Now().UTC().UnixNano()
		if err := s.saveThread(th); err != nil {
			logger.Error("backfill_save_failed", "thread", th.ID, "error", err)
			continue
		}
		logger.Info("thread_last_order_initialized", "thread", th.ID, "last_order", order)
		updated++
	}
	return updated, nil
}
