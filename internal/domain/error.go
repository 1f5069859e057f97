package domain

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeFailedPrecond    ErrorCode = "FAILED_PRECONDITION"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeProtocol         ErrorCode = "PROTOCOL"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
)

var (
	// ErrDuplicateNamespace is returned when two downstreams claim the same
	// namespace. This is a hard configuration error, never resolved by
	// first-match routing.
	ErrDuplicateNamespace = errors.New("duplicate namespace")

	// ErrMalformedToolName is returned when a tool name lacks a namespace
	// separator.
	ErrMalformedToolName = errors.New("malformed tool name")

	ErrNamespaceNotFound     = errors.New("namespace not found")
	ErrToolNotFound          = errors.New("tool not found")
	ErrPolicyDenied          = errors.New("denied by policy")
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	ErrConnectionClosed      = errors.New("connection closed")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrAuditUnavailable      = errors.New("audit sink unavailable")
	ErrProtocol              = errors.New("protocol error")
)

type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:    existing.Code,
			Op:      op,
			Message: existing.Message,
			Cause:   existing.Cause,
		}
	}
	return E(code, op, "", err)
}

// CodeFrom maps an error to its machine-readable kind. Callers use this to
// distinguish "unreachable" from "denied" from "responded with garbage".
func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, ErrMalformedToolName):
		return CodeInvalidArgument, true
	case errors.Is(err, ErrDuplicateNamespace):
		return CodeInvalidConfig, true
	case errors.Is(err, ErrNamespaceNotFound), errors.Is(err, ErrToolNotFound):
		return CodeNotFound, true
	case errors.Is(err, ErrPolicyDenied):
		return CodePermissionDenied, true
	case errors.Is(err, ErrDownstreamUnavailable), errors.Is(err, ErrConnectionClosed):
		return CodeUnavailable, true
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAuditUnavailable):
		return CodeFailedPrecond, true
	case errors.Is(err, ErrProtocol):
		return CodeProtocol, true
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded, true
	default:
		return "", false
	}
}
