package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/matheus3301/huddle/internal/remote"
	"github.com/mattn/go-sqlite3"
)

// classify maps a driver error onto the remote error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if remote.KindOf(err) != nil {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return remote.E(op, remote.ErrNotFound, nil)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return remote.E(op, remote.ErrTransient, err)
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique,
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return remote.E(op, remote.ErrConflict, err)
		case se.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			return remote.E(op, remote.ErrNotFound, err)
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return remote.E(op, remote.ErrTransient, err)
		}
	}
	return &remote.Error{Op: op, Err: err}
}
