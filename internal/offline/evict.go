package offline

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

const (
	candidateResource = 0
	candidateTile     = 1
)

type evictionCandidate struct {
	table int
	id    int64
	size  uint64
}

// evict deletes unpinned records, least recently accessed first, until
// neededFreeSize more bytes fit within the ambient budget. It reports the
// physical bytes released and whether the budget can hold the new bytes.
func (d *Database) evict(ctx context.Context, tx *sql.Tx, neededFreeSize uint64) (uint64, bool, error) {
	if err := d.ensureAmbientCacheSize(ctx, tx); err != nil {
		return 0, false, err
	}
	fits := func() bool {
		return *d.ambientCacheSize+neededFreeSize <= d.maximumAmbientCacheSize
	}
	if fits() {
		return 0, true, nil
	}

	before, err := snapshotSize(ctx, tx)
	if err != nil {
		return 0, false, err
	}
	deleted := 0
	for !fits() {
		candidates, err := d.evictionCandidates(ctx, tx)
		if err != nil {
			return 0, false, err
		}
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			if fits() {
				break
			}
			stmt := d.stmts.resourceDelete
			if c.table == candidateTile {
				stmt = d.stmts.tileDelete
			}
			if _, err := tx.StmtContext(ctx, stmt).ExecContext(ctx, c.id); err != nil {
				return 0, false, err
			}
			d.adjustAmbient(-int64(c.size))
			deleted++
		}
	}
	after, err := snapshotSize(ctx, tx)
	if err != nil {
		return 0, false, err
	}
	released := before.bytesReleased(after)
	if deleted > 0 {
		d.log.Debug("evicted ambient records",
			zap.Int("records", deleted),
			zap.Uint64("bytes", released),
			zap.Uint64("ambient_size", *d.ambientCacheSize))
	}
	return released, fits(), nil
}

func (d *Database) evictionCandidates(ctx context.Context, tx *sql.Tx) ([]evictionCandidate, error) {
	rows, err := tx.StmtContext(ctx, d.stmts.evictionCandidates).QueryContext(ctx, evictionBatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []evictionCandidate
	for rows.Next() {
		var c evictionCandidate
		var size int64
		var accessed sql.NullInt64
		if err := rows.Scan(&c.table, &c.id, &size, &accessed); err != nil {
			return nil, err
		}
		c.size = uint64(size)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ensureAmbientCacheSize computes the ambient total if it is unknown.
func (d *Database) ensureAmbientCacheSize(ctx context.Context, tx *sql.Tx) error {
	if d.ambientCacheSize != nil {
		return nil
	}
	var size int64
	if err := tx.StmtContext(ctx, d.stmts.ambientSize).QueryRowContext(ctx).Scan(&size); err != nil {
		return err
	}
	total := uint64(size)
	d.ambientCacheSize = &total
	return nil
}

// adjustAmbient applies delta to a known ambient total.
func (d *Database) adjustAmbient(delta int64) {
	if d.ambientCacheSize == nil {
		return
	}
	if delta < 0 && uint64(-delta) > *d.ambientCacheSize {
		*d.ambientCacheSize = 0
		return
	}
	*d.ambientCacheSize = uint64(int64(*d.ambientCacheSize) + delta)
}

func (d *Database) ambientSizeOrZero() uint64 {
	if d.ambientCacheSize == nil {
		return 0
	}
	return *d.ambientCacheSize
}
