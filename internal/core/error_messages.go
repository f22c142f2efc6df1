package core

// error_messages.go maps technical errors to user-facing messages with codes
// for support reference. Operators quote the code; support staff look it up
// here.
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large             Patterns: "file too large", "request body too large"
//	FILE002 - Unsupported format         Sentinel: ErrUnsupportedFormat
//	FILE003 - Encoding error             Patterns: "encoding error"
//	FILE004 - No file                    Patterns: "no file provided"
//	FILE005 - Empty file                 Sentinel: ErrEmptyFile
//	FILE006 - Header row missing         Sentinel: ErrHeaderRowMissing
//	FILE007 - Too many rows              Sentinel: ErrTooManyRows
//
// # Mapping Errors (MAP001-MAP099)
//
// Raised by execute before anything is written. The session stays open so
// the operator can correct the mapping and retry.
//
//	MAP001 - Required field not mapped   Sentinel: ErrMissingRequiredField
//	MAP002 - Field mapped twice          Sentinel: ErrDuplicateFieldMapping
//	MAP003 - Unknown target field        Sentinel: ErrUnknownField
//	MAP004 - Header not in file          Sentinel: ErrUnknownHeader
//
// # Schema Errors (SCH001-SCH099)
//
//	SCH001 - Attribute registration failed  Sentinel: ErrSchemaEvolution
//
// # Session Errors (SES001-SES099)
//
//	SES001 - Session not found           Sentinel: ErrSessionNotFound
//	SES002 - Uploaded file missing       Sentinel: ErrArtifactNotFound
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate serial             Sentinel: ErrDuplicateSerial, Patterns: "duplicate key"
//	DB002 - Unique constraint            Patterns: "unique constraint", "violates unique"
//	DB004 - Connection refused           Patterns: "connection refused"
//	DB005 - Connection reset             Patterns: "connection reset"
//	DB006 - Timeout                      Patterns: "timeout"
//	DB007 - Deadlock                     Patterns: "deadlock", "database is locked"
//
// # Validation Errors (VAL001-VAL099)
//
// These show up in per-row error messages rather than whole-request failures.
//
//	VAL001 - Invalid date                Patterns: "invalid date"
//	VAL003 - Required value empty        Patterns: "is required"
//	VAL006 - Invalid enum                Patterns: "must be one of"
//
// # Capacity Errors (UPL001-UPL099)
//
//	UPL002 - System busy                 Sentinel: ErrTooManyImports
//	UPL003 - Rate limit exceeded         Written by the HTTP rate limiter
//	UPL004 - Request cancelled           Patterns: "context canceled"
//	UPL005 - Request timeout             Patterns: "context deadline exceeded"
//
// # Request Errors (REQ001-REQ099)
//
//	REQ001 - Malformed request body      Patterns: "invalid request body"
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. Check application logs for the original error.
//
// Sentinels are checked with errors.Is before any pattern, so wrapped errors
// keep their code. Patterns are matched case-insensitively with
// strings.Contains and the first match wins.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

// sentinelMessages is checked in order; mapping errors come before lifecycle
// errors so a MappingErrors value reports its most actionable problem.
var sentinelMessages = []sentinelMessage{
	{ErrUnsupportedFormat, UserMessage{
		Message: "This file type is not supported",
		Action:  "Upload a .csv, .tsv, .txt, .xlsx or .xlsm file (optionally .gz, .zst, .xz or .bz2 compressed)",
		Code:    "FILE002",
	}},
	{ErrEmptyFile, UserMessage{
		Message: "The uploaded file is empty",
		Action:  "Please upload a file with a header row",
		Code:    "FILE005",
	}},
	{ErrHeaderRowMissing, UserMessage{
		Message: "No header row was found",
		Action:  "Make sure the first non-empty row contains column names",
		Code:    "FILE006",
	}},
	{ErrTooManyRows, UserMessage{
		Message: "The file has too many rows",
		Action:  "Split the file into smaller chunks",
		Code:    "FILE007",
	}},
	{ErrMissingRequiredField, UserMessage{
		Message: "A required field is not mapped",
		Action:  "Map one column to every required field and try again",
		Code:    "MAP001",
	}},
	{ErrDuplicateFieldMapping, UserMessage{
		Message: "Two columns are mapped to the same field",
		Action:  "Map each field from one column only",
		Code:    "MAP002",
	}},
	{ErrUnknownField, UserMessage{
		Message: "A column is mapped to a field that does not exist",
		Action:  "Choose a field from the equipment field list",
		Code:    "MAP003",
	}},
	{ErrUnknownHeader, UserMessage{
		Message: "The mapping names a column that is not in the file",
		Action:  "Refresh the preview and map the file's own columns",
		Code:    "MAP004",
	}},
	{ErrSchemaEvolution, UserMessage{
		Message: "New attributes could not be created, nothing was imported",
		Action:  "Please try again or contact support",
		Code:    "SCH001",
	}},
	{ErrSessionNotFound, UserMessage{
		Message: "Import session not found",
		Action:  "The import may have expired or already finished. Please upload the file again",
		Code:    "SES001",
	}},
	{ErrArtifactNotFound, UserMessage{
		Message: "The uploaded file is no longer available",
		Action:  "Please upload the file again",
		Code:    "SES002",
	}},
	{ErrDuplicateSerial, UserMessage{
		Message: "Equipment with this serial number already exists",
		Action:  "Enable skip duplicates or remove the row",
		Code:    "DB001",
	}},
	{ErrTooManyImports, UserMessage{
		Message: "System is busy processing other imports",
		Action:  "Please wait a moment and try again",
		Code:    "UPL002",
	}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error patterns (case-insensitive) to user messages.
// More specific patterns must come before general ones.
var errorPatterns = []errorPattern{
	// =========================================================================
	// Database Constraint Errors
	// =========================================================================
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this key already exists",
			Action:  "Enable skip duplicates or remove the row",
			Code:    "DB001",
		},
	},
	{
		pattern: "unique constraint",
		msg: UserMessage{
			Message: "This value must be unique but already exists",
			Action:  "Check for duplicate entries in your file",
			Code:    "DB002",
		},
	},
	{
		pattern: "violates unique",
		msg: UserMessage{
			Message: "A duplicate value was found",
			Action:  "Review your data for duplicate key values",
			Code:    "DB002",
		},
	},

	// =========================================================================
	// Capacity and Request Errors
	// Checked before the generic "timeout" pattern below.
	// =========================================================================
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "UPL004",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try importing a smaller file or try again later",
			Code:    "UPL005",
		},
	},

	// =========================================================================
	// Database Connection Errors
	// =========================================================================
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Try importing a smaller file or try again later",
			Code:    "DB006",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB007",
		},
	},
	{
		pattern: "database is locked",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB007",
		},
	},

	// =========================================================================
	// Validation Errors
	// =========================================================================
	{
		pattern: "invalid date",
		msg: UserMessage{
			Message: "Invalid date format detected",
			Action:  "Use YYYY-MM-DD, MM/DD/YYYY, or Jan 15, 2024",
			Code:    "VAL001",
		},
	},
	{
		pattern: "is required",
		msg: UserMessage{
			Message: "Required value is empty",
			Action:  "Ensure every row has a value for required fields",
			Code:    "VAL003",
		},
	},
	{
		pattern: "must be one of",
		msg: UserMessage{
			Message: "Value is not in the allowed list",
			Action:  "Check the allowed values for this field",
			Code:    "VAL006",
		},
	},

	// =========================================================================
	// File Errors
	// =========================================================================
	{
		pattern: "request body too large",
		msg: UserMessage{
			Message: "File exceeds maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		},
	},
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		},
	},
	{
		pattern: "encoding error",
		msg: UserMessage{
			Message: "File contains invalid characters",
			Action:  "Save file as UTF-8 encoding",
			Code:    "FILE003",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Please select a file to upload",
			Code:    "FILE004",
		},
	},
	{
		pattern: "invalid request body",
		msg: UserMessage{
			Message: "The request could not be read",
			Action:  "Send a JSON body with a mapping object",
			Code:    "REQ001",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Known sentinels are matched with errors.Is first; otherwise the error text
// is searched for known patterns. If nothing matches, the ERR000 fallback is
// returned.
//
// Example:
//
//	err := fmt.Errorf("execute %s: %w", handle, ErrSessionNotFound)
//	msg := MapError(err)
//	// msg.Code == "SES001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())

	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than the
// ERR000 fallback. Raw text of non-user-facing errors stays in the logs.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // User-friendly message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
