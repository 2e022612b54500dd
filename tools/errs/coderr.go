package errs

import (
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Error codes grouped by concern. 14xx auth/handshake, 15xx room/runtime.
const (
	CodeTokenInvalid   = 1401
	CodeTokenExpired   = 1402
	CodeTenantMismatch = 1403
	CodePersistence    = 1501
	CodeMalformedFrame = 1502
	CodeRoomClosed     = 1503
)

var (
	ErrTokenInvalid   = NewCodeError(CodeTokenInvalid, "token invalid")
	ErrTokenExpired   = NewCodeError(CodeTokenExpired, "token expired")
	ErrTenantMismatch = NewCodeError(CodeTenantMismatch, "tenant mismatch")
	ErrPersistence    = NewCodeError(CodePersistence, "message persistence failed")
	ErrMalformedFrame = NewCodeError(CodeMalformedFrame, "malformed frame")
	ErrRoomClosed     = NewCodeError(CodeRoomClosed, "room closed")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// WrapMsg attaches a detail and a call stack.
func (e *CodeError) WrapMsg(msg string) error {
	return pkgerrors.WithStack(e.WithDetail(msg))
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Is matches on code so wrapped/detailed copies still compare equal
// under errors.Is.
func (e *CodeError) Is(err error) bool {
	other, ok := err.(*CodeError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// CodeOf extracts the CodeError from an error chain, nil if absent.
func CodeOf(err error) *CodeError {
	for err != nil {
		if ce, ok := err.(*CodeError); ok {
			return ce
		}
		unwrap, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = unwrap.Unwrap()
	}
	return nil
}
