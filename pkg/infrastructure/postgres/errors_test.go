package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		code string
		want any
	}{
		{"foreign key", "23503", &IntegrityError{}},
		{"bad timestamp", "22007", &DataError{}},
		{"value too long", "22001", &DataError{}},
		{"undefined table", "42P01", &SchemaError{}},
		{"undefined column", "42703", &SchemaError{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := mapError("participants", &pgconn.PgError{Code: tc.code})
			switch tc.want.(type) {
			case *IntegrityError:
				var ie *IntegrityError
				if !errors.As(err, &ie) {
					t.Fatalf("code %s mapped to %T, want IntegrityError", tc.code, err)
				}
			case *DataError:
				var de *DataError
				if !errors.As(err, &de) {
					t.Fatalf("code %s mapped to %T, want DataError", tc.code, err)
				}
			case *SchemaError:
				var se *SchemaError
				if !errors.As(err, &se) {
					t.Fatalf("code %s mapped to %T, want SchemaError", tc.code, err)
				}
			}
		})
	}
}

func TestMapError_PassThrough(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := mapError("events", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped error lost its cause")
	}
	if IsSchema(err) {
		t.Error("plain error classified as schema failure")
	}
}

func TestIsSchema(t *testing.T) {
	err := fmt.Errorf("startup: %w", &SchemaError{Detail: "missing constraints: uq_events_identity"})
	if !IsSchema(err) {
		t.Error("wrapped SchemaError not detected")
	}
}
