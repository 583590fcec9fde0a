package offline

import (
	"context"
	"database/sql"
	"errors"
)

// MarkUsedResources pins already-stored resources to a region without
// rewriting them. Resources that are not stored are skipped.
func (d *Database) MarkUsedResources(ctx context.Context, regionID int64, resources []Resource) error {
	if err := d.checkWritable(); err != nil {
		return err
	}
	for _, res := range resources {
		if err := res.validate(); err != nil {
			return err
		}
	}
	return d.withTx(ctx, "mark resources used", func(tx *sql.Tx) error {
		for _, res := range resources {
			firstUse, err := d.markUsed(ctx, tx, regionID, res)
			if err != nil {
				return err
			}
			if firstUse && d.isQuotaTile(res) && d.offlineTileCount != nil {
				*d.offlineTileCount++
			}
		}
		return nil
	})
}

// markUsed associates a stored resource with regionID and moves it out of
// the ambient total if it was unpinned. It reports whether this is the
// first region referencing the resource.
func (d *Database) markUsed(ctx context.Context, tx *sql.Tx, regionID int64, res Resource) (bool, error) {
	rec, found, err := d.lookup(ctx, tx, res)
	if err != nil || !found {
		return false, err
	}
	firstUse, err := d.associate(ctx, tx, regionID, res)
	if err != nil {
		return false, err
	}
	if !rec.pinned {
		d.adjustAmbient(-int64(rec.size))
	}
	return firstUse, nil
}

// associate inserts the association row. Repeating it is a no-op that
// reports false.
func (d *Database) associate(ctx context.Context, tx *sql.Tx, regionID int64, res Resource) (bool, error) {
	var result sql.Result
	var err error
	if res.isTile() {
		result, err = tx.StmtContext(ctx, d.stmts.tileMarkUsed).ExecContext(ctx, tileArgs(res.Tile, regionID)...)
	} else {
		result, err = tx.StmtContext(ctx, d.stmts.resourceMarkUsed).ExecContext(ctx, res.URL, regionID)
	}
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}

	var row *sql.Row
	if res.isTile() {
		row = tx.StmtContext(ctx, d.stmts.tileUsedElsewhere).QueryRowContext(ctx, tileArgs(res.Tile, regionID)...)
	} else {
		row = tx.StmtContext(ctx, d.stmts.resourceUsedElse).QueryRowContext(ctx, res.URL, regionID)
	}
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}
