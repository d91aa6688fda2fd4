package sqlite

import (
	"database/sql"
	"errors"
	"strings"
)

// isUniqueViolation reports whether an insert hit a UNIQUE constraint. The
// ledger keys on checksum and the reference table on (checksum, storage), so
// this is how a duplicate registration shows up. modernc.org/sqlite exposes
// constraint failures only through the message text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isNoRows reports whether a lookup found nothing; callers translate this
// into the matching domain not-found sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
