package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: KindOther},
		{name: "duplicate sentinel", err: fmt.Errorf("insert: %w", ErrDuplicateKey), want: KindDuplicate},
		{name: "duplicates present", err: ErrDuplicatesPresent, want: KindDuplicate},
		{name: "not found", err: fmt.Errorf("update abc: %w", ErrNotFound), want: KindNotFound},
		{name: "deadline", err: fmt.Errorf("count: %w", context.DeadlineExceeded), want: KindTimeout},
		{name: "pg unique violation", err: &pgconn.PgError{Code: "23505"}, want: KindDuplicate},
		{name: "pg query canceled", err: &pgconn.PgError{Code: "57014"}, want: KindTimeout},
		{name: "pg connection failure", err: &pgconn.PgError{Code: "08006"}, want: KindConnection},
		{name: "pg admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: KindConnection},
		{name: "pg other", err: &pgconn.PgError{Code: "42P01"}, want: KindOther},
		{name: "net error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: KindConnection},
		{name: "sqlite unique text", err: errors.New("constraint failed: UNIQUE constraint failed: service_records.protocol_key"), want: KindDuplicate},
		{name: "refused text", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), want: KindConnection},
		{name: "plain", err: errors.New("something odd"), want: KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{name: "nil error returns empty", err: nil, wantCode: ""},
		{name: "duplicate key", err: errors.New("ERROR: duplicate key value violates unique constraint"), wantCode: "DB001"},
		{name: "pg unique violation without text", err: &pgconn.PgError{Code: "23505", Message: "boom"}, wantCode: "DB001"},
		{name: "unique constraint", err: errors.New("UNIQUE constraint failed"), wantCode: "DB002"},
		{name: "not found", err: fmt.Errorf("update x: %w", ErrNotFound), wantCode: "DB003"},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), wantCode: "DB004"},
		{name: "timeout", err: context.DeadlineExceeded, wantCode: "DB006"},
		{name: "locked", err: errors.New("database is locked (5) (SQLITE_BUSY)"), wantCode: "DB007"},
		{name: "duplicates present", err: fmt.Errorf("create index: %w", ErrDuplicatesPresent), wantCode: "DB008"},
		{name: "unknown", err: errors.New("some random internal error"), wantCode: "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MapError(tt.err).Code; got != tt.wantCode {
				t.Errorf("MapError(%v).Code = %q, want %q", tt.err, got, tt.wantCode)
			}
		})
	}
}

func TestFormatError(t *testing.T) {
	got := FormatError(ErrNotFound)
	want := "The record no longer exists (Code: DB003). Rerun reconcile to insert it again"
	if got != want {
		t.Errorf("FormatError() = %q, want %q", got, want)
	}
	if FormatError(nil) != "" {
		t.Error("FormatError(nil) should be empty")
	}
}
