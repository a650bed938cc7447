// Package progressor runs version-gated migrations at startup. It keeps a
// stored schema version and an in-progress marker so a crash mid-migration
// is visible on the next start.
package progressor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"weft/pkg/logger"
	"weft/pkg/store"
)

const (
	versionKey    = "version"
	inProgressKey = "migration_in_progress"
)

// Sync performs upgrade work between versions. Edit in-place for
// migration logic.
func Sync(ctx context.Context, st *store.Store, from, to string) error {
	logger.Info("progressor_sync_start", "from", from, "to", to)

	// Initialize LastOrder for threads written before the high-water mark
	// existed, by scanning message keys. Idempotent.
	n, err := st.BackfillLastOrders()
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("progressor_backfilled_last_orders", "threads", n)
	}

	logger.Info("progressor_sync_done", "from", from, "to", to)
	return nil
}

// Run checks for a version change and runs Sync if needed.
// Returns (invoked, error): invoked is true if Sync ran.
func Run(ctx context.Context, st *store.Store, newVersion string) (bool, error) {
	stored, err := st.GetSystemKey(versionKey)
	if err != nil {
		return false, err
	}
	logger.Info("progressor_version_check", "stored", stored, "running", newVersion)
	if stored == newVersion {
		return false, nil
	}

	marker, _ := json.Marshal(map[string]string{
		"from":       stored,
		"to":         newVersion,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := st.SetSystemKey(inProgressKey, string(marker)); err != nil {
		return true, fmt.Errorf("write in-progress marker: %w", err)
	}

	if err := Sync(ctx, st, stored, newVersion); err != nil {
		logger.Error("progressor_sync_failed", "from", stored, "to", newVersion, "error", err)
		return true, err
	}

	if err := st.SetSystemKey(versionKey, newVersion); err != nil {
		return true, fmt.Errorf("persist new version: %w", err)
	}
	if err := st.DeleteSystemKey(inProgressKey); err != nil {
		logger.Warn("progressor_delete_inprogress_failed", "error", err)
	}
	logger.Info("progressor_version_persisted", "version", newVersion)
	return true, nil
}
