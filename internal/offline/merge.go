package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"mapcache/internal/offline/migrations"
)

const (
	sideTileCountQuery = `SELECT COUNT(DISTINCT st.id)
  FROM side.region_tiles srt
  JOIN side.tiles st ON st.id = srt.tile_id
 WHERE substr(st.url_template, 1, length(?1)) = ?1
   AND NOT EXISTS (
       SELECT 1 FROM region_tiles rt JOIN tiles t ON rt.tile_id = t.id
        WHERE t.url_template = st.url_template
          AND t.pixel_ratio = st.pixel_ratio
          AND t.z = st.z
          AND t.x = st.x
          AND t.y = st.y)`

	mergedRegionsQuery = `SELECT r.id, r.definition, r.description, r.created_at
  FROM regions r
 WHERE EXISTS (
       SELECT 1 FROM side.regions sr
        WHERE sr.definition = r.definition
          AND IFNULL(sr.description, x'') = IFNULL(r.description, x''))
 ORDER BY r.id`
)

// MergeDatabase imports the regions of the store at sidePath together with
// the records they reference. Regions already present (same definition and
// metadata) are reused, so merging twice is the same as merging once. It
// returns this store's regions that correspond to the side regions.
func (d *Database) MergeDatabase(ctx context.Context, sidePath string) ([]Region, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(sidePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, wrapError(CodeNotFound, "side database not found", err)
		}
		return nil, wrapError(CodeIO, "can't read side database", err)
	}
	if err := d.ensureOpen(ctx); err != nil {
		return nil, err
	}
	script, err := loadScript(migrations.FS, "merge.sql")
	if err != nil {
		return nil, wrapError(CodeInternal, "load merge script", err)
	}

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, d.handleError(err, "merge database")
	}
	regions, err := d.mergeOn(ctx, conn, sidePath, script.statements)
	_ = conn.Close()
	d.ambientCacheSize = nil
	d.offlineTileCount = nil
	if err != nil {
		return nil, d.handleError(err, "merge database")
	}
	d.log.Info("merged offline database", zap.String("side", sidePath), zap.Int("regions", len(regions)))
	return regions, nil
}

func (d *Database) mergeOn(ctx context.Context, conn *sql.Conn, sidePath string, statements []string) (regions []Region, err error) {
	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ?1 AS side", sidePath); err != nil {
		return nil, err
	}
	defer func() {
		if _, detachErr := conn.ExecContext(context.WithoutCancel(ctx), "DETACH DATABASE side"); detachErr != nil && err == nil {
			err = detachErr
		}
	}()

	version, err := pragmaInt(ctx, conn, "side.user_version")
	if err != nil {
		return nil, err
	}
	if version != schemaVersion {
		return nil, newError(CodeMigration, fmt.Sprintf("side database schema version %d, want %d", version, schemaVersion))
	}

	var current, incoming int64
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(DISTINCT t.id)
  FROM region_tiles rt JOIN tiles t ON rt.tile_id = t.id
 WHERE substr(t.url_template, 1, length(?1)) = ?1`, d.tileQuotaPrefix).Scan(&current); err != nil {
		return nil, err
	}
	if err := conn.QueryRowContext(ctx, sideTileCountQuery, d.tileQuotaPrefix).Scan(&incoming); err != nil {
		return nil, err
	}
	if uint64(current+incoming) > d.offlineTileCountLimit {
		return nil, ErrTileLimitExceeded
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, mergedRegionsQuery)
	if err != nil {
		return nil, err
	}
	return scanRegions(rows)
}
