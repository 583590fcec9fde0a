// Package offline implements the persistent store behind the ambient tile
// cache and offline regions: one SQLite file holding resources, tiles,
// regions and the associations that pin records to regions.
//
// A Database is not safe for concurrent use. Callers serialize access, see
// internal/cache.Sequence.
package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaximumAmbientCacheSize uint64 = 50 * 1024 * 1024
	DefaultOfflineTileCountLimit   uint64 = 6000

	evictionBatchSize = 50
)

// Option configures a Database.
type Option func(*Database)

func WithLogger(log *zap.Logger) Option {
	return func(d *Database) {
		if log != nil {
			d.log = log
		}
	}
}

func WithMaximumAmbientCacheSize(size uint64) Option {
	return func(d *Database) { d.maximumAmbientCacheSize = size }
}

func WithOfflineTileCountLimit(limit uint64) Option {
	return func(d *Database) { d.offlineTileCountLimit = limit }
}

// WithTileQuotaPrefix restricts the tile quota to templates starting with prefix.
// The empty prefix counts every tile.
func WithTileQuotaPrefix(prefix string) Option {
	return func(d *Database) { d.tileQuotaPrefix = prefix }
}

func WithReadOnly(readOnly bool) Option {
	return func(d *Database) { d.readOnly = readOnly }
}

func WithAutoPack(autoPack bool) Option {
	return func(d *Database) { d.autoPack = autoPack }
}

// WithCodec selects the codec used for new writes. nil stores bodies raw.
func WithCodec(codec Codec) Option {
	return func(d *Database) { d.codec = codec }
}

func WithClock(now func() time.Time) Option {
	return func(d *Database) {
		if now != nil {
			d.now = now
		}
	}
}

// Database is the offline store.
type Database struct {
	path  string
	db    *sql.DB
	stmts *statements
	log   *zap.Logger

	codec      Codec
	zlib       Codec
	zstdReader Codec
	now        func() time.Time

	maximumAmbientCacheSize uint64
	offlineTileCountLimit   uint64
	tileQuotaPrefix         string
	autoPack                bool
	readOnly                bool

	// Derived totals, nil until first needed.
	ambientCacheSize *uint64
	offlineTileCount *uint64

	budgetOverruns uint64
}

// Open opens or creates the store at path. A corrupt file is replaced by an
// empty store; a failed migration is returned as a CodeMigration error.
func Open(path string, opts ...Option) (*Database, error) {
	if strings.TrimSpace(path) == "" {
		return nil, newError(CodeInvalidInput, "storage path is required")
	}
	d := &Database{
		path:                    path,
		log:                     zap.NewNop(),
		codec:                   ZstdCodec(),
		zlib:                    ZlibCodec(),
		now:                     time.Now,
		maximumAmbientCacheSize: DefaultMaximumAmbientCacheSize,
		offlineTileCountLimit:   DefaultOfflineTileCountLimit,
		autoPack:                true,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.ensureOpen(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
}

// Path returns the current file location.
func (d *Database) Path() string {
	return d.path
}

// ReadOnly reports whether mutations are rejected.
func (d *Database) ReadOnly() bool {
	return d.readOnly
}

// Close releases the file handle. Later calls reopen the store lazily.
func (d *Database) Close() error {
	return d.closeDB()
}

// ChangePath closes the store and reopens it at path with the same options.
func (d *Database) ChangePath(ctx context.Context, path string) error {
	if strings.TrimSpace(path) == "" {
		return newError(CodeInvalidInput, "storage path is required")
	}
	if err := d.closeDB(); err != nil {
		d.log.Warn("close before path change failed", zap.Error(err))
	}
	d.path = path
	return d.ensureOpen(ctx)
}

// ResetDatabase discards the file and recreates an empty schema.
func (d *Database) ResetDatabase(ctx context.Context) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if err := d.removeExisting(); err != nil {
		return err
	}
	return d.ensureOpen(ctx)
}

// ReopenReadOnly reopens the file with the read-only flag set to readOnly.
func (d *Database) ReopenReadOnly(ctx context.Context, readOnly bool) error {
	if d.readOnly == readOnly && d.db != nil {
		return nil
	}
	if err := d.closeDB(); err != nil {
		d.log.Warn("close before reopen failed", zap.Error(err))
	}
	d.readOnly = readOnly
	return d.ensureOpen(ctx)
}

// ensureOpen opens the file if needed, self-healing once from corruption.
func (d *Database) ensureOpen(ctx context.Context) error {
	if d.db != nil {
		return nil
	}
	err := d.initialize(ctx)
	if err == nil || !isCorruption(err) || d.readOnly {
		return err
	}
	d.log.Error("offline database is corrupt, recreating", zap.String("path", d.path), zap.Error(err))
	if err := d.removeExisting(); err != nil {
		return err
	}
	return d.initialize(ctx)
}

func (d *Database) initialize(ctx context.Context) error {
	db, err := openSQL(d.path, d.readOnly)
	if err != nil {
		return wrapError(CodeIO, "can't open database", err)
	}
	d.db = db

	version, err := pragmaInt(ctx, d.db, "user_version")
	if err != nil {
		_ = d.closeDB()
		return translate(err, "read schema version")
	}
	if version > schemaVersion {
		if d.readOnly {
			_ = d.closeDB()
			return newError(CodeMigration, fmt.Sprintf("database schema version %d is newer than %d", version, schemaVersion))
		}
		d.log.Warn("offline database is newer than supported, recreating",
			zap.Int64("version", version), zap.Int("supported", schemaVersion))
		if err := d.removeExisting(); err != nil {
			return err
		}
		return d.initialize(ctx)
	}

	if err := d.migrate(ctx, int(version)); err != nil {
		_ = d.closeDB()
		return err
	}
	if err := d.checkFlags(ctx); err != nil {
		_ = d.closeDB()
		return err
	}
	stmts, err := prepareStatements(ctx, d.db)
	if err != nil {
		_ = d.closeDB()
		return translate(err, "prepare statements")
	}
	d.stmts = stmts
	d.ambientCacheSize = nil
	d.offlineTileCount = nil
	return nil
}

func openSQL(path string, readOnly bool) (*sql.DB, error) {
	escaped := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(path)
	dsn := "file:" + escaped + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if readOnly {
		dsn += "&mode=ro"
	} else {
		dsn += "&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Attached databases, pragmas and temp state live on the connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func (d *Database) closeDB() error {
	d.stmts.close()
	d.stmts = nil
	d.ambientCacheSize = nil
	d.offlineTileCount = nil
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// removeExisting closes the store and deletes its file. The next operation recreates it.
func (d *Database) removeExisting() error {
	d.log.Info("removing existing offline database", zap.String("path", d.path))
	if err := d.closeDB(); err != nil {
		d.log.Warn("close before removal failed", zap.Error(err))
	}
	for _, p := range []string{d.path, d.path + "-journal", d.path + "-wal", d.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return wrapError(CodeIO, "can't remove "+p, err)
		}
	}
	return nil
}

// handleError translates err and reacts to corruption by discarding the file.
func (d *Database) handleError(err error, action string) error {
	err = translate(err, action)
	switch CodeOf(err) {
	case CodeCorrupt:
		d.log.Error("offline database is corrupt", zap.String("action", action), zap.Error(err))
		if d.readOnly {
			_ = d.closeDB()
			break
		}
		if rmErr := d.removeExisting(); rmErr != nil {
			d.log.Error("can't remove corrupt database", zap.Error(rmErr))
		}
	case CodeReadOnly, CodeNotFound, CodeInvalidInput, CodeTileLimitExceeded:
	default:
		d.log.Warn("offline database operation failed", zap.String("action", action), zap.Error(err))
	}
	return err
}

type counters struct {
	ambient   *uint64
	tileCount *uint64
	overruns  uint64
}

func copyCounter(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func (d *Database) saveCounters() counters {
	return counters{
		ambient:   copyCounter(d.ambientCacheSize),
		tileCount: copyCounter(d.offlineTileCount),
		overruns:  d.budgetOverruns,
	}
}

func (d *Database) restoreCounters(c counters) {
	d.ambientCacheSize = c.ambient
	d.offlineTileCount = c.tileCount
	d.budgetOverruns = c.overruns
}

// withTx runs fn in one transaction. Derived counters are restored when it fails.
func (d *Database) withTx(ctx context.Context, action string, fn func(tx *sql.Tx) error) error {
	if err := d.ensureOpen(ctx); err != nil {
		return err
	}
	saved := d.saveCounters()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return d.handleError(err, action)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		d.restoreCounters(saved)
		return d.handleError(err, action)
	}
	if err := tx.Commit(); err != nil {
		d.restoreCounters(saved)
		return d.handleError(err, action)
	}
	return nil
}

func (d *Database) checkWritable() error {
	if d.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (d *Database) timestamp() int64 {
	return d.now().Unix()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func fromNullTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
