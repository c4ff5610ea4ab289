package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrCorruptData     = errors.New("corrupt data")
	ErrIO              = errors.New("io failure")
)

type Error struct {
	Kind    error
	Subject string
	Message string
	Hint    string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Subject != "" {
		b.WriteString(e.Subject)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Hint != "" {
		b.WriteString(" (")
		b.WriteString(e.Hint)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func NotFound(subject, format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgument(subject, format string, args ...any) error {
	return &Error{Kind: ErrInvalidArgument, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

func Corrupt(subject string, err error, hint string) error {
	return &Error{Kind: ErrCorruptData, Subject: subject, Message: "file exists but could not be parsed", Hint: hint, Err: err}
}

func IO(subject, message string, err error) error {
	return &Error{Kind: ErrIO, Subject: subject, Message: message, Err: err}
}

type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type ValidationError struct {
	Subject    string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Message)
	}
	subject := e.Subject
	if subject == "" {
		subject = "entity"
	}
	return fmt.Sprintf("%s failed validation with %d issue(s): %s", subject, len(e.Violations), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}
