// Package status defines the outcome value shared by planning, execution and
// remote reports. A Status is either OK or carries an error code and message.
package status

import (
	"errors"
	"fmt"
)

type Code int

const (
	CodeOK Code = iota
	CodeCancelled
	CodeTimeout
	CodeError
	CodeInternalError
	CodePlanError
	CodeAlreadyExecuting
	CodeDuplicateID
	CodeRemoteFailure
	CodeNotFound
	CodeMemLimitExceeded
)

var codeNames = map[Code]string{
	CodeOK:               "OK",
	CodeCancelled:        "CANCELLED",
	CodeTimeout:          "TIMEOUT",
	CodeError:            "ERROR",
	CodeInternalError:    "INTERNAL_ERROR",
	CodePlanError:        "PLAN_ERROR",
	CodeAlreadyExecuting: "ALREADY_EXECUTING",
	CodeDuplicateID:      "DUPLICATE_ID",
	CodeRemoteFailure:    "REMOTE_FAILURE",
	CodeNotFound:         "NOT_FOUND",
	CodeMemLimitExceeded: "MEM_LIMIT_EXCEEDED",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

func ParseCode(s string) (Code, error) {
	for code, name := range codeNames {
		if name == s {
			return code, nil
		}
	}
	return CodeError, fmt.Errorf("unknown status code %q", s)
}

func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Code) UnmarshalText(text []byte) error {
	code, err := ParseCode(string(text))
	if err != nil {
		return err
	}
	*c = code
	return nil
}

// Status is immutable once built. The zero value is OK.
type Status struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

var OK = Status{Code: CodeOK}

func New(code Code, message string) Status {
	return Status{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) Status {
	return Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Cancelled(message string) Status {
	return New(CodeCancelled, message)
}

func Internal(message string) Status {
	return New(CodeInternalError, message)
}

func (s Status) OK() bool {
	return s.Code == CodeOK
}

// SameCode compares by code only, which is what transition checks need.
func SameCode(a, b Status) bool {
	return a.Code == b.Code
}

func (s Status) String() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return s.Code.String() + ": " + s.Message
}

// Err returns nil for OK and an *Error otherwise.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return &Error{Status: s}
}

type Error struct {
	Status Status
}

func (e *Error) Error() string {
	return e.Status.String()
}

// FromError recovers the Status carried by err. Errors that carry none are
// reported as INTERNAL_ERROR with the error text.
func FromError(err error) Status {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Status
	}
	return Internal(err.Error())
}

// IsCode reports whether err carries a Status with the given code.
func IsCode(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Status.Code == code
	}
	return false
}
