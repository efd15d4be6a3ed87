// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package bookmark

import (
	"context"
	"strings"
)

// RestoreReport summarizes a bulk recovery pass.
type RestoreReport struct {
	// Restored lists paths whose tokens resolved fresh.
	Restored []string

	// Refreshed lists paths whose tokens resolved stale and were
	// re-minted.
	Refreshed []string

	// Failed maps paths to the error that prevented their recovery.
	Failed map[string]error
}

// RestoreAll iterates every persisted token, resolves each, and
// refreshes any found stale, repopulating the grant cache after a
// process restart. Recovery is best-effort bulk work: an entry that
// fails to resolve or refresh is logged, recorded in the report, and
// skipped; RestoreAll itself never fails.
func (m *Manager) RestoreAll(ctx context.Context) RestoreReport {
	report := RestoreReport{Failed: make(map[string]error)}

	keys, err := m.store.List(ctx, m.group)
	if err != nil {
		m.logger.Error("restore: listing persisted tokens failed", "error", err)
		return report
	}

	for _, key := range keys {
		// Reserved entries (the signing key) are not grants.
		if !strings.HasPrefix(key, "/") {
			continue
		}

		stored, found, err := m.store.Retrieve(ctx, key, m.group)
		if err != nil {
			m.logger.Error("restore: entry unreadable, skipping", "path", key, "error", err)
			report.Failed[key] = err
			continue
		}
		if !found {
			// Deleted between List and Retrieve; nothing to restore.
			continue
		}

		handle, err := m.Resolve(ctx, TokenFromBytes(stored))
		if err != nil {
			m.logger.Error("restore: resolution failed, skipping", "path", key, "error", err)
			report.Failed[key] = err
			continue
		}
		stale := handle.Stale()
		m.Release(handle)

		if !stale {
			report.Restored = append(report.Restored, key)
			continue
		}

		if _, err := m.Refresh(ctx, key); err != nil {
			m.logger.Error("restore: refresh failed, skipping", "path", key, "error", err)
			report.Failed[key] = err
			continue
		}
		report.Refreshed = append(report.Refreshed, key)
	}

	m.logger.Info("restore complete",
		"restored", len(report.Restored),
		"refreshed", len(report.Refreshed),
		"failed", len(report.Failed))
	return report
}
