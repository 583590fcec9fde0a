package offline

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"
)

// record is the bookkeeping view of a stored resource.
type record struct {
	id     int64
	size   uint64
	pinned bool
}

// Get returns the stored response for res, or nil on a miss. Unless the
// store is read-only the access time is refreshed for eviction ordering.
func (d *Database) Get(ctx context.Context, res Resource) (*Response, error) {
	resp, _, err := d.GetRegionResource(ctx, res)
	return resp, err
}

// GetRegionResource is Get plus the stored (possibly compressed) size.
func (d *Database) GetRegionResource(ctx context.Context, res Resource) (*Response, uint64, error) {
	if err := res.validate(); err != nil {
		return nil, 0, err
	}
	var resp *Response
	var size uint64
	err := d.withTx(ctx, "read resource", func(tx *sql.Tx) error {
		var err error
		resp, size, err = d.getInternal(ctx, tx, res)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return resp, size, nil
}

// Has reports whether res is stored and its stored size, without decoding it.
func (d *Database) Has(ctx context.Context, res Resource) (int64, bool, error) {
	if err := res.validate(); err != nil {
		return 0, false, err
	}
	var size sql.NullInt64
	found := false
	err := d.withTx(ctx, "check resource", func(tx *sql.Tx) error {
		var row *sql.Row
		if res.isTile() {
			row = tx.StmtContext(ctx, d.stmts.tileSize).QueryRowContext(ctx, tileArgs(res.Tile)...)
		} else {
			row = tx.StmtContext(ctx, d.stmts.resourceSize).QueryRowContext(ctx, res.URL)
		}
		if err := row.Scan(&size); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return size.Int64, found, nil
}

// HasRegionResource reports whether res is stored and its stored size. It is
// the same lookup as Has.
func (d *Database) HasRegionResource(ctx context.Context, res Resource) (int64, bool, error) {
	return d.Has(ctx, res)
}

func (d *Database) getInternal(ctx context.Context, tx *sql.Tx, res Resource) (*Response, uint64, error) {
	var row *sql.Row
	if res.isTile() {
		if !d.readOnly {
			if _, err := tx.StmtContext(ctx, d.stmts.tileTouch).ExecContext(ctx, tileArgs(res.Tile, d.timestamp())...); err != nil {
				return nil, 0, err
			}
		}
		row = tx.StmtContext(ctx, d.stmts.tileSelect).QueryRowContext(ctx, tileArgs(res.Tile)...)
	} else {
		if !d.readOnly {
			if _, err := tx.StmtContext(ctx, d.stmts.resourceTouch).ExecContext(ctx, res.URL, d.timestamp()); err != nil {
				return nil, 0, err
			}
		}
		row = tx.StmtContext(ctx, d.stmts.resourceSelect).QueryRowContext(ctx, res.URL)
	}

	var (
		etag           sql.NullString
		expires        sql.NullInt64
		modified       sql.NullInt64
		mustRevalidate bool
		data           []byte
		noContent      bool
		compressed     int
	)
	if err := row.Scan(&etag, &expires, &mustRevalidate, &modified, &data, &noContent, &compressed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	resp := &Response{
		ETag:           etag.String,
		Expires:        fromNullTime(expires),
		Modified:       fromNullTime(modified),
		MustRevalidate: mustRevalidate,
	}
	size := uint64(len(data))
	if noContent {
		resp.NoContent = true
		return resp, 0, nil
	}
	body, err := d.decompress(data, compressed)
	if err != nil {
		return nil, 0, wrapError(CodeStorage, "can't decompress "+res.String(), err)
	}
	if body == nil {
		body = []byte{}
	}
	resp.Data = body
	return resp, size, nil
}

// Put stores resp in the ambient cache, evicting older unpinned records to
// stay within the budget. inserted is false when an existing record was
// updated. Error responses are ignored.
func (d *Database) Put(ctx context.Context, res Resource, resp Response) (bool, uint64, error) {
	if err := d.checkWritable(); err != nil {
		return false, 0, err
	}
	if err := res.validate(); err != nil {
		return false, 0, err
	}
	var inserted bool
	var size uint64
	err := d.withTx(ctx, "write resource", func(tx *sql.Tx) error {
		var err error
		inserted, size, err = d.putAmbient(ctx, tx, res, resp)
		return err
	})
	if err != nil {
		return false, 0, err
	}
	return inserted, size, nil
}

func (d *Database) putAmbient(ctx context.Context, tx *sql.Tx, res Resource, resp Response) (bool, uint64, error) {
	if resp.Error != nil {
		return false, 0, nil
	}
	data, codec := d.encodeBody(resp)
	size := uint64(len(data))

	if !resp.NotModified {
		if err := d.ensureAmbientCacheSize(ctx, tx); err != nil {
			return false, 0, err
		}
		existing, found, err := d.lookup(ctx, tx, res)
		if err != nil {
			return false, 0, err
		}
		if !found || !existing.pinned {
			_, ok, err := d.evict(ctx, tx, size)
			if err != nil {
				return false, 0, err
			}
			if !ok {
				d.budgetOverruns++
				d.log.Warn("unable to make space for entry, exceeding ambient cache budget",
					zap.Stringer("resource", res),
					zap.Uint64("size", size),
					zap.Uint64("ambient_size", d.ambientSizeOrZero()),
					zap.Uint64("maximum", d.maximumAmbientCacheSize))
			}
		}
	}

	before, found, err := d.lookup(ctx, tx, res)
	if err != nil {
		return false, 0, err
	}
	inserted, err := d.write(ctx, tx, res, resp, data, codec, true)
	if err != nil {
		return false, 0, err
	}
	if resp.NotModified {
		return false, 0, nil
	}
	if !found {
		d.adjustAmbient(int64(size))
	} else if !before.pinned {
		d.adjustAmbient(int64(size) - int64(before.size))
	}
	return inserted, size, nil
}

func (d *Database) encodeBody(resp Response) ([]byte, int) {
	if resp.NoContent || resp.NotModified {
		return nil, codecNone
	}
	data, codec := d.compress(resp.Data)
	if data == nil {
		data = []byte{}
	}
	return data, codec
}

// lookup returns the id, stored size and pinned state of res.
func (d *Database) lookup(ctx context.Context, tx *sql.Tx, res Resource) (record, bool, error) {
	var row *sql.Row
	if res.isTile() {
		row = tx.StmtContext(ctx, d.stmts.tileLookup).QueryRowContext(ctx, tileArgs(res.Tile)...)
	} else {
		row = tx.StmtContext(ctx, d.stmts.resourceLookup).QueryRowContext(ctx, res.URL)
	}
	var rec record
	var size int64
	if err := row.Scan(&rec.id, &size, &rec.pinned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record{}, false, nil
		}
		return record{}, false, err
	}
	rec.size = uint64(size)
	return rec, true, nil
}

// write updates or inserts the record for res. It reports whether a new row
// was inserted. Not-modified responses only refresh freshness metadata.
func (d *Database) write(ctx context.Context, tx *sql.Tx, res Resource, resp Response, data []byte, codec int, ambient bool) (bool, error) {
	now := d.timestamp()
	if res.isTile() {
		t := res.Tile
		if resp.NotModified {
			_, err := tx.StmtContext(ctx, d.stmts.tileRefresh).ExecContext(ctx,
				tileArgs(t, now, nullTime(resp.Expires), boolInt(resp.MustRevalidate), boolInt(ambient))...)
			return false, err
		}
		result, err := tx.StmtContext(ctx, d.stmts.tileUpdate).ExecContext(ctx,
			tileArgs(t, nullTime(resp.Modified), nullString(resp.ETag), nullTime(resp.Expires),
				boolInt(resp.MustRevalidate), now, blob(data), codec, boolInt(ambient))...)
		if err != nil {
			return false, err
		}
		if n, err := result.RowsAffected(); err != nil || n != 0 {
			return false, err
		}
		_, err = tx.StmtContext(ctx, d.stmts.tileInsert).ExecContext(ctx,
			tileArgs(t, nullTime(resp.Modified), nullString(resp.ETag), nullTime(resp.Expires),
				boolInt(resp.MustRevalidate), now, blob(data), codec, boolInt(ambient))...)
		return err == nil, err
	}

	if resp.NotModified {
		_, err := tx.StmtContext(ctx, d.stmts.resourceRefresh).ExecContext(ctx,
			res.URL, now, nullTime(resp.Expires), boolInt(resp.MustRevalidate), boolInt(ambient))
		return false, err
	}
	result, err := tx.StmtContext(ctx, d.stmts.resourceUpdate).ExecContext(ctx,
		res.URL, int(res.Kind), nullTime(resp.Modified), nullString(resp.ETag), nullTime(resp.Expires),
		boolInt(resp.MustRevalidate), now, blob(data), codec, boolInt(ambient))
	if err != nil {
		return false, err
	}
	if n, err := result.RowsAffected(); err != nil || n != 0 {
		return false, err
	}
	_, err = tx.StmtContext(ctx, d.stmts.resourceInsert).ExecContext(ctx,
		res.URL, int(res.Kind), nullTime(resp.Modified), nullString(resp.ETag), nullTime(resp.Expires),
		boolInt(resp.MustRevalidate), now, blob(data), codec, boolInt(ambient))
	return err == nil, err
}

// blob maps a nil body to SQL NULL (no content).
func blob(data []byte) any {
	if data == nil {
		return nil
	}
	return data
}
