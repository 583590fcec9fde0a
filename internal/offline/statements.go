package offline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	tileKey        = "url_template = ?1 AND pixel_ratio = ?2 AND z = ?3 AND x = ?4 AND y = ?5"
	aliasedTileKey = "t.url_template = ?1 AND t.pixel_ratio = ?2 AND t.z = ?3 AND t.x = ?4 AND t.y = ?5"
)

// statements holds every query the store runs against its own schema,
// prepared once per open.
type statements struct {
	tileTouch          *sql.Stmt
	tileSelect         *sql.Stmt
	tileSize           *sql.Stmt
	tileLookup         *sql.Stmt
	tileRefresh        *sql.Stmt
	tileUpdate         *sql.Stmt
	tileInsert         *sql.Stmt
	tileMarkUsed       *sql.Stmt
	tileUsedElsewhere  *sql.Stmt
	tileInRegion       *sql.Stmt
	tileDelete         *sql.Stmt
	tileCount          *sql.Stmt
	resourceTouch      *sql.Stmt
	resourceSelect     *sql.Stmt
	resourceSize       *sql.Stmt
	resourceLookup     *sql.Stmt
	resourceRefresh    *sql.Stmt
	resourceUpdate     *sql.Stmt
	resourceInsert     *sql.Stmt
	resourceMarkUsed   *sql.Stmt
	resourceUsedElse   *sql.Stmt
	resourceDelete     *sql.Stmt
	evictionCandidates *sql.Stmt
	ambientSize        *sql.Stmt
	ambientStaleTiles  *sql.Stmt
	ambientStaleRes    *sql.Stmt
	ambientClearTiles  *sql.Stmt
	ambientClearRes    *sql.Stmt
	regionList         *sql.Stmt
	regionSelect       *sql.Stmt
	regionInsert       *sql.Stmt
	regionMetadata     *sql.Stmt
	regionDefinition   *sql.Stmt
	regionDelete       *sql.Stmt
	regionOrphanSize   *sql.Stmt
	orphanTiles        *sql.Stmt
	orphanResources    *sql.Stmt
	regionTileStatus   *sql.Stmt
	regionResStatus    *sql.Stmt
	regionStaleTiles   *sql.Stmt
	regionStaleRes     *sql.Stmt
}

func prepareStatements(ctx context.Context, db *sql.DB) (*statements, error) {
	s := &statements{}
	queries := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.tileTouch, "UPDATE tiles SET accessed = ?6 WHERE " + tileKey},
		{&s.tileSelect, "SELECT etag, expires, must_revalidate, modified, data, data IS NULL, compressed FROM tiles WHERE " + tileKey},
		{&s.tileSize, "SELECT LENGTH(data) FROM tiles WHERE " + tileKey},
		{&s.tileLookup, "SELECT id, IFNULL(LENGTH(data), 0), EXISTS (SELECT 1 FROM region_tiles WHERE tile_id = tiles.id) FROM tiles WHERE " + tileKey},
		{&s.tileRefresh, "UPDATE tiles SET accessed = ?6, expires = ?7, must_revalidate = ?8, ambient = MAX(ambient, ?9) WHERE " + tileKey},
		{&s.tileUpdate, "UPDATE tiles SET modified = ?6, etag = ?7, expires = ?8, must_revalidate = ?9, accessed = ?10, data = ?11, compressed = ?12, ambient = MAX(ambient, ?13) WHERE " + tileKey},
		{&s.tileInsert, `INSERT INTO tiles (url_template, pixel_ratio, z, x, y, modified, etag, expires, must_revalidate, accessed, data, compressed, ambient)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13)`},
		{&s.tileMarkUsed, "INSERT OR IGNORE INTO region_tiles (region_id, tile_id) SELECT ?6, id FROM tiles WHERE " + tileKey},
		{&s.tileUsedElsewhere, "SELECT 1 FROM region_tiles rt JOIN tiles t ON rt.tile_id = t.id WHERE rt.region_id != ?6 AND " + aliasedTileKey + " LIMIT 1"},
		{&s.tileInRegion, "SELECT 1 FROM region_tiles rt JOIN tiles t ON rt.tile_id = t.id WHERE " + aliasedTileKey + " LIMIT 1"},
		{&s.tileDelete, "DELETE FROM tiles WHERE id = ?1"},
		{&s.tileCount, `SELECT COUNT(DISTINCT t.id)
		   FROM region_tiles rt JOIN tiles t ON rt.tile_id = t.id
		  WHERE substr(t.url_template, 1, length(?1)) = ?1`},
		{&s.resourceTouch, "UPDATE resources SET accessed = ?2 WHERE url = ?1"},
		{&s.resourceSelect, "SELECT etag, expires, must_revalidate, modified, data, data IS NULL, compressed FROM resources WHERE url = ?1"},
		{&s.resourceSize, "SELECT LENGTH(data) FROM resources WHERE url = ?1"},
		{&s.resourceLookup, "SELECT id, IFNULL(LENGTH(data), 0), EXISTS (SELECT 1 FROM region_resources WHERE resource_id = resources.id) FROM resources WHERE url = ?1"},
		{&s.resourceRefresh, "UPDATE resources SET accessed = ?2, expires = ?3, must_revalidate = ?4, ambient = MAX(ambient, ?5) WHERE url = ?1"},
		{&s.resourceUpdate, "UPDATE resources SET kind = ?2, modified = ?3, etag = ?4, expires = ?5, must_revalidate = ?6, accessed = ?7, data = ?8, compressed = ?9, ambient = MAX(ambient, ?10) WHERE url = ?1"},
		{&s.resourceInsert, `INSERT INTO resources (url, kind, modified, etag, expires, must_revalidate, accessed, data, compressed, ambient)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10)`},
		{&s.resourceMarkUsed, "INSERT OR IGNORE INTO region_resources (region_id, resource_id) SELECT ?2, id FROM resources WHERE url = ?1"},
		{&s.resourceUsedElse, "SELECT 1 FROM region_resources rr JOIN resources r ON rr.resource_id = r.id WHERE r.url = ?1 AND rr.region_id != ?2 LIMIT 1"},
		{&s.resourceDelete, "DELETE FROM resources WHERE id = ?1"},
		{&s.evictionCandidates, `SELECT kind, id, size, accessed FROM (
		   SELECT 0 AS kind, r.id AS id, IFNULL(LENGTH(r.data), 0) AS size, r.accessed AS accessed
		     FROM resources r
		    WHERE NOT EXISTS (SELECT 1 FROM region_resources WHERE resource_id = r.id)
		   UNION ALL
		   SELECT 1, t.id, IFNULL(LENGTH(t.data), 0), t.accessed
		     FROM tiles t
		    WHERE NOT EXISTS (SELECT 1 FROM region_tiles WHERE tile_id = t.id))
		  ORDER BY accessed ASC, id ASC, kind ASC
		  LIMIT ?1`},
		{&s.ambientSize, `SELECT
		   (SELECT IFNULL(SUM(LENGTH(r.data)), 0) FROM resources r
		     WHERE NOT EXISTS (SELECT 1 FROM region_resources WHERE resource_id = r.id))
		 + (SELECT IFNULL(SUM(LENGTH(t.data)), 0) FROM tiles t
		     WHERE NOT EXISTS (SELECT 1 FROM region_tiles WHERE tile_id = t.id))`},
		{&s.ambientStaleTiles, "UPDATE tiles SET expires = 0, must_revalidate = 1 WHERE NOT EXISTS (SELECT 1 FROM region_tiles WHERE tile_id = tiles.id)"},
		{&s.ambientStaleRes, "UPDATE resources SET expires = 0, must_revalidate = 1 WHERE NOT EXISTS (SELECT 1 FROM region_resources WHERE resource_id = resources.id)"},
		{&s.ambientClearTiles, "DELETE FROM tiles WHERE NOT EXISTS (SELECT 1 FROM region_tiles WHERE tile_id = tiles.id)"},
		{&s.ambientClearRes, "DELETE FROM resources WHERE NOT EXISTS (SELECT 1 FROM region_resources WHERE resource_id = resources.id)"},
		{&s.regionList, "SELECT id, definition, description, created_at FROM regions ORDER BY id"},
		{&s.regionSelect, "SELECT id, definition, description, created_at FROM regions WHERE id = ?1"},
		{&s.regionInsert, "INSERT INTO regions (definition, description, created_at) VALUES (?1, ?2, ?3)"},
		{&s.regionMetadata, "UPDATE regions SET description = ?2 WHERE id = ?1"},
		{&s.regionDefinition, "SELECT definition FROM regions WHERE id = ?1"},
		{&s.regionDelete, "DELETE FROM regions WHERE id = ?1"},
		{&s.regionOrphanSize, `SELECT
		   (SELECT IFNULL(SUM(LENGTH(t.data)), 0)
		      FROM tiles t JOIN region_tiles rt ON rt.tile_id = t.id
		     WHERE rt.region_id = ?1 AND t.ambient = 1
		       AND NOT EXISTS (SELECT 1 FROM region_tiles o WHERE o.tile_id = t.id AND o.region_id != ?1))
		 + (SELECT IFNULL(SUM(LENGTH(r.data)), 0)
		      FROM resources r JOIN region_resources rr ON rr.resource_id = r.id
		     WHERE rr.region_id = ?1 AND r.ambient = 1
		       AND NOT EXISTS (SELECT 1 FROM region_resources o WHERE o.resource_id = r.id AND o.region_id != ?1))`},
		{&s.orphanTiles, "DELETE FROM tiles WHERE ambient = 0 AND NOT EXISTS (SELECT 1 FROM region_tiles WHERE tile_id = tiles.id)"},
		{&s.orphanResources, "DELETE FROM resources WHERE ambient = 0 AND NOT EXISTS (SELECT 1 FROM region_resources WHERE resource_id = resources.id)"},
		{&s.regionTileStatus, "SELECT COUNT(*), IFNULL(SUM(LENGTH(t.data)), 0) FROM region_tiles rt JOIN tiles t ON rt.tile_id = t.id WHERE rt.region_id = ?1"},
		{&s.regionResStatus, "SELECT COUNT(*), IFNULL(SUM(LENGTH(r.data)), 0) FROM region_resources rr JOIN resources r ON rr.resource_id = r.id WHERE rr.region_id = ?1"},
		{&s.regionStaleTiles, "UPDATE tiles SET expires = 0, must_revalidate = 1 WHERE id IN (SELECT tile_id FROM region_tiles WHERE region_id = ?1)"},
		{&s.regionStaleRes, "UPDATE resources SET expires = 0, must_revalidate = 1 WHERE id IN (SELECT resource_id FROM region_resources WHERE region_id = ?1)"},
	}

	for _, q := range queries {
		stmt, err := db.PrepareContext(ctx, q.query)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("prepare %q: %w", firstLine(q.query), err)
		}
		*q.dst = stmt
	}
	return s, nil
}

func (s *statements) close() {
	if s == nil {
		return
	}
	for _, stmt := range []*sql.Stmt{
		s.tileTouch, s.tileSelect, s.tileSize, s.tileLookup, s.tileRefresh, s.tileUpdate,
		s.tileInsert, s.tileMarkUsed, s.tileUsedElsewhere, s.tileInRegion, s.tileDelete, s.tileCount,
		s.resourceTouch, s.resourceSelect, s.resourceSize, s.resourceLookup, s.resourceRefresh,
		s.resourceUpdate, s.resourceInsert, s.resourceMarkUsed, s.resourceUsedElse, s.resourceDelete,
		s.evictionCandidates, s.ambientSize, s.ambientStaleTiles, s.ambientStaleRes,
		s.ambientClearTiles, s.ambientClearRes, s.regionList, s.regionSelect, s.regionInsert, s.regionMetadata,
		s.regionDefinition, s.regionDelete, s.regionOrphanSize, s.orphanTiles, s.orphanResources,
		s.regionTileStatus, s.regionResStatus, s.regionStaleTiles, s.regionStaleRes,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
}

func tileArgs(t *TileData, extra ...any) []any {
	args := []any{t.URLTemplate, int(t.PixelRatio), int(t.Z), int(t.X), int(t.Y)}
	return append(args, extra...)
}

func firstLine(query string) string {
	query = strings.TrimSpace(query)
	if i := strings.IndexByte(query, '\n'); i >= 0 {
		return query[:i]
	}
	return query
}
