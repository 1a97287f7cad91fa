package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for manager operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Lookup errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeDuplicateLevel  ErrorCode = 1002

	// Capacity errors
	ErrCodeInsufficientCapacity ErrorCode = 1100
	ErrCodeNodeAtCapacity       ErrorCode = 1101

	// Server errors
	ErrCodeInternal      ErrorCode = 2000
	ErrCodeUnavailable   ErrorCode = 2001
	ErrCodeConfiguration ErrorCode = 2002
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrCodeNotFound:
		return "NOT_FOUND"
	case ErrCodeDuplicateLevel:
		return "DUPLICATE_LEVEL"
	case ErrCodeInsufficientCapacity:
		return "INSUFFICIENT_CAPACITY"
	case ErrCodeNodeAtCapacity:
		return "NODE_AT_CAPACITY"
	case ErrCodeUnavailable:
		return "UNAVAILABLE"
	case ErrCodeConfiguration:
		return "CONFIGURATION"
	default:
		return "INTERNAL"
	}
}

// Sentinels for errors.Is comparisons. A *ManagerError matches a sentinel
// with the same code.
var (
	ErrNotFound             = &ManagerError{Code: ErrCodeNotFound, Message: "not found"}
	ErrDuplicateLevel       = &ManagerError{Code: ErrCodeDuplicateLevel, Message: "duplicate level"}
	ErrInsufficientCapacity = &ManagerError{Code: ErrCodeInsufficientCapacity, Message: "insufficient capacity"}
	ErrNodeAtCapacity       = &ManagerError{Code: ErrCodeNodeAtCapacity, Message: "node at connection limit"}
	ErrUnavailable          = &ManagerError{Code: ErrCodeUnavailable, Message: "unavailable"}
)

// ManagerError represents a structured error with code and context
type ManagerError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ManagerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ManagerError) Unwrap() error {
	return e.Cause
}

// Is matches any ManagerError carrying the same code.
func (e *ManagerError) Is(target error) bool {
	t, ok := target.(*ManagerError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// ToGRPCStatus converts ManagerError to gRPC status
func (e *ManagerError) ToGRPCStatus() *status.Status {
	return status.New(e.GRPCCode(), e.Error())
}

// GRPCCode maps internal error codes to gRPC codes
func (e *ManagerError) GRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeDuplicateLevel:
		return codes.AlreadyExists
	case ErrCodeInsufficientCapacity, ErrCodeNodeAtCapacity:
		return codes.ResourceExhausted
	case ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeConfiguration:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// HTTPStatus maps internal error codes to HTTP status codes
func (e *ManagerError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateLevel:
		return http.StatusConflict
	case ErrCodeInsufficientCapacity, ErrCodeNodeAtCapacity:
		return http.StatusInsufficientStorage
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewManagerError creates a new ManagerError
func NewManagerError(code ErrorCode, message string, cause error) *ManagerError {
	return &ManagerError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ManagerError) WithDetail(key string, value interface{}) *ManagerError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *ManagerError {
	return NewManagerError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(what string, id interface{}) *ManagerError {
	return NewManagerError(ErrCodeNotFound, fmt.Sprintf("%s not found: %v", what, id), nil).
		WithDetail("kind", what).
		WithDetail("id", id)
}

func DuplicateLevel(level, subLevel uint32) *ManagerError {
	return NewManagerError(ErrCodeDuplicateLevel, fmt.Sprintf("level %d.%d already exists", level, subLevel), nil).
		WithDetail("level", level).
		WithDetail("sub_level", subLevel)
}

func InsufficientCapacity(required, available int) *ManagerError {
	return NewManagerError(ErrCodeInsufficientCapacity,
		fmt.Sprintf("insufficient capacity: need %d nodes, %d eligible", required, available), nil).
		WithDetail("required", required).
		WithDetail("available", available)
}

func NodeAtCapacity(nodeID uint32) *ManagerError {
	return NewManagerError(ErrCodeNodeAtCapacity, fmt.Sprintf("storage node %d at connection limit", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func Unavailable(message string, cause error) *ManagerError {
	return NewManagerError(ErrCodeUnavailable, message, cause)
}

func Configuration(message string, cause error) *ManagerError {
	return NewManagerError(ErrCodeConfiguration, message, cause)
}

func Internal(message string, cause error) *ManagerError {
	return NewManagerError(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var me *ManagerError
	if stderrors.As(err, &me) {
		return me.Code
	}
	return ErrCodeInternal
}

// HTTPStatus returns the HTTP status for any error
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var me *ManagerError
	if stderrors.As(err, &me) {
		return me.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// ToGRPCError converts any error into a gRPC status error
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var me *ManagerError
	if stderrors.As(err, &me) {
		return status.Error(me.GRPCCode(), err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// FromGRPC converts a gRPC error returned by a storage node.
func FromGRPC(err error, message string) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Unavailable(message, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return NewManagerError(ErrCodeNotFound, message, err)
	case codes.ResourceExhausted:
		return NewManagerError(ErrCodeNodeAtCapacity, message, err)
	case codes.InvalidArgument:
		return InvalidArgument(message, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return Unavailable(message, err)
	default:
		return Internal(message, err)
	}
}
