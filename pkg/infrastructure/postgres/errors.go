package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// SchemaError reports a structural problem: a missing table, column, or
// uniqueness constraint. The engine treats these as fatal because upsert
// semantics depend on the declared constraints.
type SchemaError struct {
	Detail string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("schema error: %s", e.Detail)
	}
	return fmt.Sprintf("schema error: %s: %v", e.Detail, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// IntegrityError reports a foreign-key violation, normally a child row whose
// parent has not been upserted yet.
type IntegrityError struct {
	Table string
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s: %v", e.Table, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// DataError reports a value the column type rejected, such as a malformed
// timestamp or an over-length string that slipped past normalisation.
type DataError struct {
	Table string
	Err   error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("bad data for %s: %v", e.Table, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// SQLSTATE class prefixes. See https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	codeForeignKeyViolation = "23503"
	codeUniqueViolation     = "23505"
	classDataException      = "22"
	classSyntaxOrAccess     = "42"
)

// mapError classifies a pgx error against the store taxonomy. Unclassified
// errors pass through wrapped.
func mapError(table string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", table, err)
	}
	switch {
	case pgErr.Code == codeForeignKeyViolation:
		return &IntegrityError{Table: table, Err: err}
	case len(pgErr.Code) >= 2 && pgErr.Code[:2] == classDataException:
		return &DataError{Table: table, Err: err}
	case len(pgErr.Code) >= 2 && pgErr.Code[:2] == classSyntaxOrAccess:
		return &SchemaError{Detail: table, Err: err}
	default:
		return fmt.Errorf("%s: %w", table, err)
	}
}

// IsSchema reports whether err is a schema-level failure that should abort
// the run rather than just the event.
func IsSchema(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
