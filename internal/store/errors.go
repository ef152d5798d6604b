package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"tally/api/internal/vote"
)

// SQLSTATE codes a caller may retry: serialization_failure, deadlock_detected,
// lock_not_available and query_canceled (statement or lock timeout).
var retryableCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
	"57014": true,
}

const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
)

// classify wraps a database error so callers can branch on the vote
// sentinels without knowing about pgconn.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, driver.ErrBadConn) {
		return vote.Transient(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case retryableCodes[pgErr.Code], strings.HasPrefix(pgErr.Code, "08"):
			return vote.Transient(op, err)
		case pgErr.Code == codeUniqueViolation:
			// A concurrent writer created the same row; the retry will see it.
			return vote.Transient(op, err)
		case pgErr.Code == codeCheckViolation:
			return fmt.Errorf("%s: %w: %s", op, vote.ErrInconsistent, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
