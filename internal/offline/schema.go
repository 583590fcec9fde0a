package offline

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"mapcache/internal/offline/migrations"
)

// schemaVersion is the user_version written by the fresh schema and the last migration.
const schemaVersion = 7

const (
	upMarker            = "-- +migrate Up"
	downMarker          = "-- +migrate Down"
	noTransactionMarker = "-- +migrate NoTransaction"
)

type migration struct {
	version    int
	name       string
	noTx       bool
	statements []string
}

// loadMigrations reads the versioned steps (NNN_name.sql) in ascending order.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var steps []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		step, err := loadScript(fsys, name)
		if err != nil {
			return nil, err
		}
		step.version = version
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

func loadScript(fsys fs.FS, name string) (migration, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return migration{}, fmt.Errorf("read migration %s: %w", name, err)
	}
	text := string(content)
	return migration{
		name:       name,
		noTx:       strings.Contains(text, noTransactionMarker),
		statements: splitStatements(extractUpMigration(text)),
	}, nil
}

// extractUpMigration returns the SQL in the -- +migrate Up section.
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, upMarker)
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, downMarker)
	if downIdx == -1 {
		return content[upIdx+len(upMarker):]
	}
	return content[upIdx+len(upMarker) : downIdx]
}

// splitStatements splits on semicolons that end a line. Scripts never
// contain semicolons inside literals.
func splitStatements(script string) []string {
	var out []string
	var current strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || (strings.HasPrefix(trimmed, "--") && current.Len() == 0) {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

// isAlreadyExistsError reports DDL errors that mean the step already ran.
func isAlreadyExistsError(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}

// migrate brings a store at version up to schemaVersion.
func (d *Database) migrate(ctx context.Context, version int) error {
	if d.readOnly {
		if version != schemaVersion {
			return newError(CodeMigration, fmt.Sprintf("read-only database has schema version %d, want %d", version, schemaVersion))
		}
		return nil
	}
	if version <= 1 {
		return d.createSchema(ctx)
	}

	steps, err := loadMigrations(migrations.FS)
	if err != nil {
		return wrapError(CodeMigration, "load migrations", err)
	}
	for _, step := range steps {
		if step.version <= version {
			continue
		}
		if err := d.applyMigration(ctx, step); err != nil {
			return err
		}
		d.log.Info("migrated offline database", zap.Int("version", step.version), zap.String("step", step.name))
	}
	return nil
}

func (d *Database) applyMigration(ctx context.Context, step migration) error {
	fail := func(err error) error {
		if isCorruption(err) {
			return translate(err, "migrate database")
		}
		return wrapError(CodeMigration, fmt.Sprintf("migrate to version %d (%s)", step.version, step.name), err)
	}
	setVersion := fmt.Sprintf("PRAGMA user_version = %d", step.version)

	if step.noTx {
		for _, stmt := range step.statements {
			if _, err := d.db.ExecContext(ctx, stmt); err != nil {
				return fail(err)
			}
		}
		if _, err := d.db.ExecContext(ctx, setVersion); err != nil {
			return fail(err)
		}
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(err)
	}
	for _, stmt := range append(step.statements, setVersion) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil && !isAlreadyExistsError(err) {
			_ = tx.Rollback()
			return fail(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	return nil
}

// createSchema sets up an empty (or legacy cache-only) file at schemaVersion.
func (d *Database) createSchema(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA auto_vacuum = INCREMENTAL",
		"PRAGMA journal_mode = DELETE",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := d.db.ExecContext(ctx, pragma); err != nil {
			return translate(err, "create schema")
		}
	}

	fresh, err := loadScript(migrations.FS, "schema.sql")
	if err != nil {
		return wrapError(CodeMigration, "load schema", err)
	}
	fresh.version = schemaVersion
	if err := d.applyMigration(ctx, fresh); err != nil {
		return err
	}

	// A legacy file keeps its old auto_vacuum mode until it is rebuilt.
	mode, err := pragmaInt(ctx, d.db, "auto_vacuum")
	if err != nil {
		return translate(err, "create schema")
	}
	if mode != autoVacuumIncremental {
		if _, err := d.db.ExecContext(ctx, "VACUUM"); err != nil {
			return translate(err, "create schema")
		}
	}
	return nil
}

// checkFlags enforces connection and file flags the store relies on.
func (d *Database) checkFlags(ctx context.Context) error {
	fk, err := pragmaInt(ctx, d.db, "foreign_keys")
	if err != nil {
		return translate(err, "check flags")
	}
	if fk != 1 {
		if _, err := d.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return translate(err, "enable foreign keys")
		}
	}
	if d.readOnly {
		return nil
	}

	mode, err := pragmaString(ctx, d.db, "journal_mode")
	if err != nil {
		return translate(err, "check flags")
	}
	if !strings.EqualFold(mode, "delete") {
		if _, err := d.db.ExecContext(ctx, "PRAGMA journal_mode = DELETE"); err != nil {
			return translate(err, "set journal mode")
		}
	}
	sync, err := pragmaInt(ctx, d.db, "synchronous")
	if err != nil {
		return translate(err, "check flags")
	}
	if sync != synchronousFull {
		if _, err := d.db.ExecContext(ctx, "PRAGMA synchronous = FULL"); err != nil {
			return translate(err, "set synchronous")
		}
	}
	return nil
}

const (
	autoVacuumIncremental = 2
	synchronousFull       = 2
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func pragmaInt(ctx context.Context, q querier, name string) (int64, error) {
	var v int64
	if err := q.QueryRowContext(ctx, "PRAGMA "+name).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func pragmaString(ctx context.Context, q querier, name string) (string, error) {
	var v string
	if err := q.QueryRowContext(ctx, "PRAGMA "+name).Scan(&v); err != nil {
		return "", err
	}
	return v, nil
}
