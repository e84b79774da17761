package repository

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Common repository errors that can be checked with errors.Is()
var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when attempting to create an entity that already exists
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrUniqueViolation is returned when an insert or update breaks a
	// uniqueness constraint. It is never returned for other failures.
	ErrUniqueViolation = errors.New("unique constraint violation")

	// ErrInUse is returned when deleting an entity something still depends on
	ErrInUse = errors.New("entity in use")
)

// IsUniqueViolation reports whether err comes from a SQLite UNIQUE or
// PRIMARY KEY constraint.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, ErrUniqueViolation) {
		return true
	}
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	// Without extended result codes only the primary code is reported.
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
		strings.Contains(sqliteErr.Error(), "UNIQUE")
}

// wrapWriteErr maps constraint failures onto ErrUniqueViolation, keeping
// the driver error in the chain.
func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if IsUniqueViolation(err) {
		return &uniqueError{err: err}
	}
	return err
}

type uniqueError struct {
	err error
}

func (e *uniqueError) Error() string { return e.err.Error() }

func (e *uniqueError) Is(target error) bool { return target == ErrUniqueViolation }

func (e *uniqueError) Unwrap() error { return e.err }
