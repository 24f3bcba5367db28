package store

// # Error Codes Reference
//
// Store failures are classified so the engine can decide whether an error is
// recoverable, and tagged with a code operators can quote when reading a run
// report.
//
//	DB001 - Duplicate key: a record with this protocol already exists
//	        Patterns: "duplicate key", SQLSTATE 23505
//	DB002 - Unique constraint: the value must be unique
//	        Patterns: "unique constraint", "violates unique"
//	DB003 - Not found: no record with this id
//	DB004 - Connection refused: unable to reach the database
//	        Patterns: "connection refused", SQLSTATE class 08
//	DB005 - Connection reset: the connection was interrupted
//	        Patterns: "connection reset", "broken pipe"
//	DB006 - Timeout: the operation exceeded its deadline
//	        Patterns: "timeout", "deadline exceeded", SQLSTATE 57014
//	DB007 - Busy: the database was locked or deadlocked
//	        Patterns: "deadlock", "database is locked"
//	DB008 - Duplicates present: the unique index cannot be created
//	        Action: run "protosync dedup" first
//	ERR000 - Unknown error
//
// Patterns are matched case-insensitively; the first match wins.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateKey is returned when an insert collides with the unique index.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned when an update targets a missing record.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicatesPresent is returned when the unique index cannot be created
	// because duplicate comparison keys exist.
	ErrDuplicatesPresent = errors.New("duplicate protocol keys present")
)

// ErrorKind is the recovery class of a store error.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindDuplicate
	KindNotFound
	KindConnection
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindDuplicate:
		return "duplicate"
	case KindNotFound:
		return "not_found"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	}
	return "other"
}

// SQLSTATE codes the classifier recognizes.
const (
	pgUniqueViolation = "23505"
	pgQueryCanceled   = "57014"
	pgAdminShutdown   = "57P01"
	pgCannotConnect   = "57P03"
)

// Classify maps an error to its recovery class.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}

	switch {
	case errors.Is(err, ErrDuplicateKey), errors.Is(err, ErrDuplicatesPresent):
		return KindDuplicate
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation:
			return KindDuplicate
		case pgErr.Code == pgQueryCanceled:
			return KindTimeout
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == pgAdminShutdown, pgErr.Code == pgCannotConnect:
			return KindConnection
		}
		return KindOther
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return KindConnection
	}
	if pgconn.Timeout(err) {
		return KindTimeout
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	switch MapError(err).Code {
	case "DB001", "DB002":
		return KindDuplicate
	case "DB004", "DB005":
		return KindConnection
	case "DB006":
		return KindTimeout
	}
	return KindOther
}

// IsConnection reports whether err means the store itself is unreachable.
func IsConnection(err error) bool {
	return Classify(err) == KindConnection
}

// Message describes an error for operators.
type Message struct {
	Message string
	Action  string
	Code    string
}

type errorPattern struct {
	pattern string
	msg     Message
}

// errorPatterns is matched in order; specific patterns come first.
var errorPatterns = []errorPattern{
	{
		pattern: "duplicate protocol keys present",
		msg:     Message{Message: "Duplicate protocol keys are present", Action: "Run protosync dedup first", Code: "DB008"},
	},
	{
		pattern: "duplicate key",
		msg:     Message{Message: "A record with this protocol already exists", Action: "Rerun reconcile; the record is skipped", Code: "DB001"},
	},
	{
		pattern: "unique constraint",
		msg:     Message{Message: "This value must be unique but already exists", Action: "Run protosync dedup", Code: "DB002"},
	},
	{
		pattern: "violates unique",
		msg:     Message{Message: "A duplicate value was found", Action: "Run protosync dedup", Code: "DB002"},
	},
	{
		pattern: "record not found",
		msg:     Message{Message: "The record no longer exists", Action: "Rerun reconcile to insert it again", Code: "DB003"},
	},
	{
		pattern: "connection refused",
		msg:     Message{Message: "Unable to connect to database", Action: "Check DATABASE_URL and try again", Code: "DB004"},
	},
	{
		pattern: "connection reset",
		msg:     Message{Message: "Database connection was interrupted", Action: "Please try again", Code: "DB005"},
	},
	{
		pattern: "broken pipe",
		msg:     Message{Message: "Database connection was interrupted", Action: "Please try again", Code: "DB005"},
	},
	{
		pattern: "deadline exceeded",
		msg:     Message{Message: "Operation timed out", Action: "Raise SYNC_OP_TIMEOUT or lower SYNC_CHUNK_SIZE", Code: "DB006"},
	},
	{
		pattern: "timeout",
		msg:     Message{Message: "Operation timed out", Action: "Raise SYNC_OP_TIMEOUT or lower SYNC_CHUNK_SIZE", Code: "DB006"},
	},
	{
		pattern: "deadlock",
		msg:     Message{Message: "Database was busy with conflicting operations", Action: "Please try again", Code: "DB007"},
	},
	{
		pattern: "database is locked",
		msg:     Message{Message: "Database was busy with conflicting operations", Action: "Please try again", Code: "DB007"},
	},
}

var defaultMessage = Message{
	Message: "An unexpected error occurred",
	Action:  "Check the logs for the underlying error",
	Code:    "ERR000",
}

// MapError converts an error into an operator message. Unknown errors map to
// ERR000.
func MapError(err error) Message {
	if err == nil {
		return Message{}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && !errors.Is(err, ErrDuplicatesPresent) {
		return errorPatterns[1].msg
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// Code returns the support code for err.
func Code(err error) string {
	return MapError(err).Code
}

// FormatError renders err as "Message (Code: XXX). Action".
func FormatError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
