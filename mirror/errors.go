// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ReplicationError is the typed error surface of the engine. Kind is one of
// the Kind* constants; Constraint carries the violated constraint name when
// the destination reported one, so retry logic can dispatch on a
// machine-checkable identifier instead of matching error text.
type ReplicationError struct {
	Kind       string
	EntityType string
	EntityID   int64
	Constraint string
	cause      error
}

func (e *ReplicationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind)
	if e.EntityType != "" {
		fmt.Fprintf(&b, " %s/%d", e.EntityType, e.EntityID)
	}
	if e.Constraint != "" {
		fmt.Fprintf(&b, " constraint=%s", e.Constraint)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *ReplicationError) Unwrap() error {
	return e.cause
}

// replicationErrorFor wraps err with entity identity and a classified kind.
func replicationErrorFor(entityType string, entityID int64, err error) *ReplicationError {
	re := classifyError(err)
	re.EntityType = entityType
	re.EntityID = entityID
	return re
}

// classifyError decides the error kind at the store boundary. Postgres errors
// are dispatched on SQLSTATE; everything else that smells like connectivity
// becomes transient, the rest is internal.
func classifyError(err error) *ReplicationError {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.SQLState() == pgFKViolation:
			return &ReplicationError{Kind: KindUnresolvedDependency, Constraint: pgErr.ConstraintName, cause: err}
		case strings.HasPrefix(pgErr.SQLState(), "23"):
			return &ReplicationError{Kind: KindConstraintViolation, Constraint: pgErr.ConstraintName, cause: err}
		case isTransientSQLState(pgErr.SQLState()):
			return &ReplicationError{Kind: KindTransientIO, cause: err}
		default:
			return &ReplicationError{Kind: KindInternalError, cause: err}
		}
	}

	if isTransientError(err) {
		return &ReplicationError{Kind: KindTransientIO, cause: err}
	}
	return &ReplicationError{Kind: KindInternalError, cause: err}
}

const pgFKViolation = "23503"

func isTransientSQLState(state string) bool {
	switch state {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available (incl. lock_timeout)
		"57P01", // admin_shutdown
		"53300": // too_many_connections
		return true
	}
	// Class 08: connection exceptions
	return strings.HasPrefix(state, "08")
}

// isTransientError reports whether err is worth a backoff-and-retry at the
// call site that experienced it.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isTransientSQLState(pgErr.SQLState())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	return false
}

// isFKViolation reports whether err is a foreign key violation and, if so,
// the name of the violated constraint.
func isFKViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.SQLState() == pgFKViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}
