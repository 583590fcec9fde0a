package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CreateRegion stores a new region definition with its metadata.
func (d *Database) CreateRegion(ctx context.Context, def RegionDefinition, metadata []byte) (Region, error) {
	if err := d.checkWritable(); err != nil {
		return Region{}, err
	}
	if err := def.validate(); err != nil {
		return Region{}, err
	}
	encoded, err := encodeDefinition(def)
	if err != nil {
		return Region{}, err
	}
	region := Region{Definition: def, Metadata: metadata, CreatedAt: time.Unix(d.timestamp(), 0).UTC()}
	err = d.withTx(ctx, "create region", func(tx *sql.Tx) error {
		result, err := tx.StmtContext(ctx, d.stmts.regionInsert).ExecContext(ctx, encoded, metadataArg(metadata), region.CreatedAt.Unix())
		if err != nil {
			return err
		}
		region.ID, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return Region{}, err
	}
	d.log.Info("created offline region", zap.Int64("region_id", region.ID), zap.String("type", def.Kind))
	return region, nil
}

// ListRegions returns every region ordered by id.
func (d *Database) ListRegions(ctx context.Context) ([]Region, error) {
	var regions []Region
	err := d.withTx(ctx, "list regions", func(tx *sql.Tx) error {
		rows, err := tx.StmtContext(ctx, d.stmts.regionList).QueryContext(ctx)
		if err != nil {
			return err
		}
		regions, err = scanRegions(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return regions, nil
}

// GetRegion returns one region; CodeNotFound if it does not exist.
func (d *Database) GetRegion(ctx context.Context, regionID int64) (Region, error) {
	var region Region
	err := d.withTx(ctx, "read region", func(tx *sql.Tx) error {
		rows, err := tx.StmtContext(ctx, d.stmts.regionSelect).QueryContext(ctx, regionID)
		if err != nil {
			return err
		}
		regions, err := scanRegions(rows)
		if err != nil {
			return err
		}
		if len(regions) == 0 {
			return regionNotFound(regionID)
		}
		region = regions[0]
		return nil
	})
	if err != nil {
		return Region{}, err
	}
	return region, nil
}

func scanRegions(rows *sql.Rows) ([]Region, error) {
	defer rows.Close()
	regions := []Region{}
	for rows.Next() {
		var (
			region     Region
			definition string
			created    sql.NullInt64
		)
		if err := rows.Scan(&region.ID, &definition, &region.Metadata, &created); err != nil {
			return nil, err
		}
		def, err := decodeDefinition(definition)
		if err != nil {
			return nil, err
		}
		region.Definition = def
		region.CreatedAt = fromNullTime(created)
		regions = append(regions, region)
	}
	return regions, rows.Err()
}

func (d *Database) GetRegionDefinition(ctx context.Context, regionID int64) (RegionDefinition, error) {
	var def RegionDefinition
	err := d.withTx(ctx, "read region definition", func(tx *sql.Tx) error {
		var definition string
		err := tx.StmtContext(ctx, d.stmts.regionDefinition).QueryRowContext(ctx, regionID).Scan(&definition)
		if errors.Is(err, sql.ErrNoRows) {
			return regionNotFound(regionID)
		}
		if err != nil {
			return err
		}
		def, err = decodeDefinition(definition)
		return err
	})
	return def, err
}

// UpdateMetadata replaces a region's metadata and returns the stored value.
func (d *Database) UpdateMetadata(ctx context.Context, regionID int64, metadata []byte) ([]byte, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	err := d.withTx(ctx, "update region metadata", func(tx *sql.Tx) error {
		result, err := tx.StmtContext(ctx, d.stmts.regionMetadata).ExecContext(ctx, regionID, metadataArg(metadata))
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return regionNotFound(regionID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return metadata, nil
}

// DeleteRegion removes a region. Records only it referenced are deleted,
// unless they were also admitted through the ambient path, in which case
// they return to the ambient cache and become evictable.
func (d *Database) DeleteRegion(ctx context.Context, regionID int64) error {
	if err := d.checkWritable(); err != nil {
		return err
	}
	var released uint64
	err := d.withTx(ctx, "delete region", func(tx *sql.Tx) error {
		before, err := snapshotSize(ctx, tx)
		if err != nil {
			return err
		}
		if err := d.ensureAmbientCacheSize(ctx, tx); err != nil {
			return err
		}
		var returning int64
		if err := tx.StmtContext(ctx, d.stmts.regionOrphanSize).QueryRowContext(ctx, regionID).Scan(&returning); err != nil {
			return err
		}
		result, err := tx.StmtContext(ctx, d.stmts.regionDelete).ExecContext(ctx, regionID)
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return regionNotFound(regionID)
		}
		d.adjustAmbient(returning)

		if _, err := tx.StmtContext(ctx, d.stmts.orphanTiles).ExecContext(ctx); err != nil {
			return err
		}
		if _, err := tx.StmtContext(ctx, d.stmts.orphanResources).ExecContext(ctx); err != nil {
			return err
		}
		if _, _, err := d.evict(ctx, tx, 0); err != nil {
			return err
		}
		d.offlineTileCount = nil

		after, err := snapshotSize(ctx, tx)
		if err != nil {
			return err
		}
		released = before.bytesReleased(after)
		return nil
	})
	if err != nil {
		return err
	}
	d.log.Info("deleted offline region", zap.Int64("region_id", regionID), zap.Uint64("bytes", released))
	if d.autoPack {
		d.compactAfter(ctx, "delete region")
	}
	return nil
}

// GetRegionCompletedStatus reports how much of a region is already stored.
// Required counts are left to the downloader.
func (d *Database) GetRegionCompletedStatus(ctx context.Context, regionID int64) (RegionStatus, error) {
	var status RegionStatus
	err := d.withTx(ctx, "read region status", func(tx *sql.Tx) error {
		var definition string
		err := tx.StmtContext(ctx, d.stmts.regionDefinition).QueryRowContext(ctx, regionID).Scan(&definition)
		if errors.Is(err, sql.ErrNoRows) {
			return regionNotFound(regionID)
		}
		if err != nil {
			return err
		}

		var resCount, resSize, tileCount, tileSize int64
		if err := tx.StmtContext(ctx, d.stmts.regionResStatus).QueryRowContext(ctx, regionID).Scan(&resCount, &resSize); err != nil {
			return err
		}
		if err := tx.StmtContext(ctx, d.stmts.regionTileStatus).QueryRowContext(ctx, regionID).Scan(&tileCount, &tileSize); err != nil {
			return err
		}
		status.CompletedTileCount = uint64(tileCount)
		status.CompletedTileSize = uint64(tileSize)
		status.CompletedResourceCount = uint64(resCount + tileCount)
		status.CompletedResourceSize = uint64(resSize + tileSize)
		return nil
	})
	return status, err
}

// PutRegionResource stores one resource in a region and returns its stored size.
func (d *Database) PutRegionResource(ctx context.Context, regionID int64, res Resource, resp Response) (uint64, error) {
	var status RegionStatus
	if err := d.PutRegionResources(ctx, regionID, []RegionResource{{Resource: res, Response: resp}}, &status); err != nil {
		return 0, err
	}
	return status.CompletedResourceSize, nil
}

// PutRegionResources stores a batch in one transaction. Region writes never
// evict. A tile over the offline limit is skipped and reported as
// ErrTileLimitExceeded once the rest of the batch has committed. status, if
// non-nil, receives the completed counts after commit.
func (d *Database) PutRegionResources(ctx context.Context, regionID int64, items []RegionResource, status *RegionStatus) error {
	if err := d.checkWritable(); err != nil {
		return err
	}
	for _, item := range items {
		if err := item.Resource.validate(); err != nil {
			return err
		}
	}

	var delta RegionStatus
	var limitErr error
	err := d.withTx(ctx, "write region resources", func(tx *sql.Tx) error {
		delta = RegionStatus{}
		limitErr = nil
		for _, item := range items {
			exceeds, err := d.exceeds(ctx, tx, item.Resource, 0)
			if err != nil {
				return err
			}
			if exceeds {
				limitErr = ErrTileLimitExceeded
				continue
			}
			size, stored, err := d.putRegion(ctx, tx, regionID, item.Resource, item.Response)
			if err != nil {
				return err
			}
			if !stored {
				continue
			}
			delta.CompletedResourceCount++
			delta.CompletedResourceSize += size
			if item.Resource.isTile() {
				delta.CompletedTileCount++
				delta.CompletedTileSize += size
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if status != nil {
		status.CompletedResourceCount += delta.CompletedResourceCount
		status.CompletedResourceSize += delta.CompletedResourceSize
		status.CompletedTileCount += delta.CompletedTileCount
		status.CompletedTileSize += delta.CompletedTileSize
	}
	if limitErr != nil {
		d.log.Warn("offline tile limit reached",
			zap.Int64("region_id", regionID),
			zap.Uint64("limit", d.offlineTileCountLimit))
		return limitErr
	}
	return nil
}

// putRegion writes a region-owned record. It reports the stored size and
// whether a record now backs the resource.
func (d *Database) putRegion(ctx context.Context, tx *sql.Tx, regionID int64, res Resource, resp Response) (uint64, bool, error) {
	if resp.Error != nil {
		return 0, false, nil
	}
	before, found, err := d.lookup(ctx, tx, res)
	if err != nil {
		return 0, false, err
	}
	if resp.NotModified && !found {
		return 0, false, nil
	}
	data, codec := d.encodeBody(resp)
	if _, err := d.write(ctx, tx, res, resp, data, codec, false); err != nil {
		return 0, false, err
	}
	if found && !before.pinned {
		d.adjustAmbient(-int64(before.size))
	}
	firstUse, err := d.associate(ctx, tx, regionID, res)
	if err != nil {
		return 0, false, err
	}
	if firstUse && d.isQuotaTile(res) && d.offlineTileCount != nil {
		*d.offlineTileCount++
	}
	size := uint64(len(data))
	if resp.NotModified {
		size = before.size
	}
	return size, true, nil
}

// InvalidateRegion marks every record of a region stale so the next use revalidates.
func (d *Database) InvalidateRegion(ctx context.Context, regionID int64) error {
	if err := d.checkWritable(); err != nil {
		return err
	}
	return d.withTx(ctx, "invalidate region", func(tx *sql.Tx) error {
		if _, err := tx.StmtContext(ctx, d.stmts.regionStaleTiles).ExecContext(ctx, regionID); err != nil {
			return err
		}
		_, err := tx.StmtContext(ctx, d.stmts.regionStaleRes).ExecContext(ctx, regionID)
		return err
	})
}

func regionNotFound(regionID int64) error {
	return newError(CodeNotFound, fmt.Sprintf("region %d not found", regionID))
}

func metadataArg(metadata []byte) any {
	if metadata == nil {
		return []byte{}
	}
	return metadata
}
