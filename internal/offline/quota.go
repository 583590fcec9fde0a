package offline

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// ExceedsOfflineTileCountLimit reports whether storing res in a region would
// push the tile count over the limit. Tiles already held by a region never
// exceed it.
func (d *Database) ExceedsOfflineTileCountLimit(ctx context.Context, res Resource) (bool, error) {
	return d.ExceedsOfflineTileCountLimitReserving(ctx, res, 0)
}

// ExceedsOfflineTileCountLimitReserving is ExceedsOfflineTileCountLimit with
// reserved more tiles counted as held, such as tiles being fetched for a
// region but not yet written.
func (d *Database) ExceedsOfflineTileCountLimitReserving(ctx context.Context, res Resource, reserved uint64) (bool, error) {
	if !d.isQuotaTile(res) {
		return false, nil
	}
	var exceeds bool
	err := d.withTx(ctx, "check tile limit", func(tx *sql.Tx) error {
		var err error
		exceeds, err = d.exceeds(ctx, tx, res, reserved)
		return err
	})
	return exceeds, err
}

// CountsTowardTileLimit reports whether res is a tile subject to the quota.
func (d *Database) CountsTowardTileLimit(res Resource) bool {
	return d.isQuotaTile(res)
}

func (d *Database) SetOfflineTileCountLimit(limit uint64) {
	d.offlineTileCountLimit = limit
}

func (d *Database) OfflineTileCountLimit() uint64 {
	return d.offlineTileCountLimit
}

// OfflineTileCount returns the number of distinct quota tiles held by regions.
func (d *Database) OfflineTileCount(ctx context.Context) (uint64, error) {
	var count uint64
	err := d.withTx(ctx, "count offline tiles", func(tx *sql.Tx) error {
		if err := d.ensureTileCount(ctx, tx); err != nil {
			return err
		}
		count = *d.offlineTileCount
		return nil
	})
	return count, err
}

func (d *Database) OfflineTileCountLimitExceeded(ctx context.Context) (bool, error) {
	count, err := d.OfflineTileCount(ctx)
	if err != nil {
		return false, err
	}
	return count >= d.offlineTileCountLimit, nil
}

func (d *Database) isQuotaTile(res Resource) bool {
	return res.isTile() && strings.HasPrefix(res.Tile.URLTemplate, d.tileQuotaPrefix)
}

func (d *Database) exceeds(ctx context.Context, tx *sql.Tx, res Resource, reserved uint64) (bool, error) {
	if !d.isQuotaTile(res) {
		return false, nil
	}
	if err := d.ensureTileCount(ctx, tx); err != nil {
		return false, err
	}
	if *d.offlineTileCount+reserved < d.offlineTileCountLimit {
		return false, nil
	}
	var one int
	err := tx.StmtContext(ctx, d.stmts.tileInRegion).QueryRowContext(ctx, tileArgs(res.Tile)...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	return false, err
}

func (d *Database) ensureTileCount(ctx context.Context, tx *sql.Tx) error {
	if d.offlineTileCount != nil {
		return nil
	}
	var count int64
	if err := tx.StmtContext(ctx, d.stmts.tileCount).QueryRowContext(ctx, d.tileQuotaPrefix).Scan(&count); err != nil {
		return err
	}
	c := uint64(count)
	d.offlineTileCount = &c
	return nil
}
