package offline

import (
	"errors"
	"fmt"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Code identifies the kind of a store failure.
type Code string

const (
	CodeStorage           Code = "STORAGE_ERROR"
	CodeIO                Code = "IO_ERROR"
	CodeCorrupt           Code = "CORRUPT"
	CodeMigration         Code = "MIGRATION_FAILED"
	CodeTileLimitExceeded Code = "TILE_LIMIT_EXCEEDED"
	CodeReadOnly          Code = "READ_ONLY"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeInternal          Code = "INTERNAL"
)

// Error is the error value returned by every Database operation.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrReadOnly          = &Error{Code: CodeReadOnly, Message: "database is read-only"}
	ErrTileLimitExceeded = &Error{Code: CodeTileLimitExceeded, Message: "offline tile limit exceeded"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrCorrupt           = &Error{Code: CodeCorrupt, Message: "database is corrupt"}
)

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of err, CodeInternal for foreign errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func sqliteCode(err error) (int, bool) {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code(), true
	}
	return 0, false
}

// isCorruption reports errors after which the file cannot be trusted.
func isCorruption(err error) bool {
	if errors.Is(err, ErrCorrupt) {
		return true
	}
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	switch code & 0xff {
	case sqlite3lib.SQLITE_CORRUPT, sqlite3lib.SQLITE_NOTADB:
		return true
	}
	return code == sqlite3lib.SQLITE_READONLY_DBMOVED
}

// translate turns a driver error into an *Error, leaving *Error values untouched.
func translate(err error, action string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if isCorruption(err) {
		return wrapError(CodeCorrupt, "can't "+action, err)
	}
	code, ok := sqliteCode(err)
	if !ok {
		return wrapError(CodeInternal, "can't "+action, err)
	}
	switch code & 0xff {
	case sqlite3lib.SQLITE_IOERR, sqlite3lib.SQLITE_FULL, sqlite3lib.SQLITE_CANTOPEN:
		return wrapError(CodeIO, "can't "+action, err)
	case sqlite3lib.SQLITE_READONLY:
		return wrapError(CodeReadOnly, "can't "+action, err)
	}
	return wrapError(CodeStorage, "can't "+action, err)
}
