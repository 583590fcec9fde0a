package offline

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// SetMaximumAmbientCacheSize changes the ambient budget and evicts down to
// it. The previous budget is kept if eviction fails.
func (d *Database) SetMaximumAmbientCacheSize(ctx context.Context, size uint64) error {
	previous := d.maximumAmbientCacheSize
	d.maximumAmbientCacheSize = size
	if d.readOnly {
		return nil
	}
	err := d.withTx(ctx, "shrink ambient cache", func(tx *sql.Tx) error {
		_, _, err := d.evict(ctx, tx, 0)
		return err
	})
	if err != nil {
		d.maximumAmbientCacheSize = previous
		return err
	}
	if d.autoPack {
		d.compactAfter(ctx, "shrink ambient cache")
	}
	return nil
}

func (d *Database) MaximumAmbientCacheSize() uint64 {
	return d.maximumAmbientCacheSize
}

// InvalidateAmbientCache marks every unpinned record stale.
func (d *Database) InvalidateAmbientCache(ctx context.Context) error {
	if err := d.checkWritable(); err != nil {
		return err
	}
	return d.withTx(ctx, "invalidate ambient cache", func(tx *sql.Tx) error {
		if _, err := tx.StmtContext(ctx, d.stmts.ambientStaleTiles).ExecContext(ctx); err != nil {
			return err
		}
		_, err := tx.StmtContext(ctx, d.stmts.ambientStaleRes).ExecContext(ctx)
		return err
	})
}

// ClearAmbientCache deletes every unpinned record and compacts the file.
func (d *Database) ClearAmbientCache(ctx context.Context) error {
	if err := d.checkWritable(); err != nil {
		return err
	}
	err := d.withTx(ctx, "clear ambient cache", func(tx *sql.Tx) error {
		if _, err := tx.StmtContext(ctx, d.stmts.ambientClearTiles).ExecContext(ctx); err != nil {
			return err
		}
		if _, err := tx.StmtContext(ctx, d.stmts.ambientClearRes).ExecContext(ctx); err != nil {
			return err
		}
		var zero uint64
		d.ambientCacheSize = &zero
		return nil
	})
	if err != nil {
		return err
	}
	d.compactAfter(ctx, "clear ambient cache")
	return nil
}

// Pack returns free pages to the file system.
func (d *Database) Pack(ctx context.Context) error {
	if err := d.checkWritable(); err != nil {
		return err
	}
	return d.vacuum(ctx)
}

// RunPackAutomatically toggles compaction after deletions.
func (d *Database) RunPackAutomatically(autoPack bool) {
	d.autoPack = autoPack
}

// AmbientCacheSize returns the summed size of unpinned records.
func (d *Database) AmbientCacheSize(ctx context.Context) (uint64, error) {
	var size uint64
	err := d.withTx(ctx, "read ambient cache size", func(tx *sql.Tx) error {
		if err := d.ensureAmbientCacheSize(ctx, tx); err != nil {
			return err
		}
		size = *d.ambientCacheSize
		return nil
	})
	return size, err
}

// BudgetOverruns counts ambient writes admitted while over budget.
func (d *Database) BudgetOverruns() uint64 {
	return d.budgetOverruns
}

// vacuum runs outside any transaction.
func (d *Database) vacuum(ctx context.Context) error {
	if err := d.ensureOpen(ctx); err != nil {
		return err
	}
	before, err := snapshotSize(ctx, d.db)
	if err != nil {
		return d.handleError(err, "pack database")
	}
	mode, err := pragmaInt(ctx, d.db, "auto_vacuum")
	if err != nil {
		return d.handleError(err, "pack database")
	}
	if mode != autoVacuumIncremental {
		if _, err := d.db.ExecContext(ctx, "PRAGMA auto_vacuum = INCREMENTAL"); err != nil {
			return d.handleError(err, "pack database")
		}
		if _, err := d.db.ExecContext(ctx, "VACUUM"); err != nil {
			return d.handleError(err, "pack database")
		}
	} else if err := incrementalVacuum(ctx, d.db); err != nil {
		return d.handleError(err, "pack database")
	}
	after, err := snapshotSize(ctx, d.db)
	if err != nil {
		return d.handleError(err, "pack database")
	}
	d.log.Debug("packed offline database",
		zap.Uint64("bytes", after.bytes()),
		zap.Int64("delta", before.diff(after)))
	return nil
}

// compactAfter vacuums once a change has committed. A failure is logged;
// the change itself stands.
func (d *Database) compactAfter(ctx context.Context, action string) {
	if err := d.vacuum(ctx); err != nil {
		d.log.Warn("pack after change failed", zap.String("action", action), zap.Error(err))
	}
}

// incrementalVacuum frees one page per result row, so the rows are drained.
func incrementalVacuum(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "PRAGMA incremental_vacuum")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}
