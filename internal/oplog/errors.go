package oplog

import "errors"

type ErrorCode string

const (
	ErrorCodeValidation ErrorCode = "VALIDATION"
	ErrorCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrorCodeTerminal   ErrorCode = "TERMINAL"
)

type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func NewValidationError(msg string) error {
	return &Error{Code: ErrorCodeValidation, Msg: msg}
}

func NewNotFoundError(msg string) error {
	return &Error{Code: ErrorCodeNotFound, Msg: msg}
}

func IsValidationError(err error) bool {
	return hasCode(err, ErrorCodeValidation)
}

func IsNotFoundError(err error) bool {
	return hasCode(err, ErrorCodeNotFound)
}

func IsTerminalError(err error) bool {
	return hasCode(err, ErrorCodeTerminal)
}

func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var le *Error
	if !errors.As(err, &le) {
		return false
	}
	return le.Code == code
}
