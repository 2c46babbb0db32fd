package index

import "errors"

// Code is the machine readable reason a build or search failed.
type Code string

const (
	CodeMarkdownNotFound Code = "MARKDOWN_NOT_FOUND"
	CodeEmptyMarkdown    Code = "EMPTY_MD"
	CodeBuildFailed      Code = "INDEX_BUILD_ERROR"
	CodeNotFound         Code = "INDEX_NOT_FOUND"
)

// Error wraps a failure with its Code.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrMarkdownNotFound = &Error{Code: CodeMarkdownNotFound}
	ErrEmptyMarkdown    = &Error{Code: CodeEmptyMarkdown}
	ErrBuildFailed      = &Error{Code: CodeBuildFailed}
	ErrNotFound         = &Error{Code: CodeNotFound}
)

func newError(code Code, err error) *Error { return &Error{Code: code, Err: err} }

// CodeOf extracts the Code from err, if any.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
