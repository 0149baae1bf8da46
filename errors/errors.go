package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"bulk-order-service/models"

	"github.com/gin-gonic/gin"
)

// Kind groups errors into the categories the pipeline reacts to.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindSecurity           Kind = "security"
	KindAuthorization      Kind = "authorization"
	KindAuthentication     Kind = "authentication"
	KindRateLimited        Kind = "rate_limited"
	KindConcurrency        Kind = "concurrency"
	KindExternalService    Kind = "external_service"
	KindRollbackIneligible Kind = "rollback_ineligible"
	KindNotFound           Kind = "not_found"
	KindInternal           Kind = "internal"
)

// Stable machine-readable codes.
const (
	CodeRateLimited          = "RATE_LIMITED"
	CodeUnauthenticated      = "UNAUTHENTICATED"
	CodeNotB2B               = "NOT_B2B_ACCOUNT"
	CodeBulkNotPermitted     = "BULK_NOT_PERMITTED"
	CodeOrderValueExceeded   = "ORDER_VALUE_EXCEEDED"
	CodeItemCountExceeded    = "ITEM_COUNT_EXCEEDED"
	CodeRowCountExceeded     = "ROW_COUNT_EXCEEDED"
	CodeSKUPolicyViolation   = "SKU_POLICY_VIOLATION"
	CodeFileRejected         = "FILE_REJECTED"
	CodeMalwareDetected      = "MALWARE_DETECTED"
	CodeScanUnavailable      = "SCAN_UNAVAILABLE"
	CodeMaliciousPayload     = "MALICIOUS_PAYLOAD"
	CodeParseFailed          = "PARSE_FAILED"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeRollbackIneligible   = "ROLLBACK_INELIGIBLE"
	CodeRollbackInProgress   = "ROLLBACK_IN_PROGRESS"
	CodeDuplicateProgress    = "DUPLICATE_PROGRESS"
	CodeOperationNotFound    = "OPERATION_NOT_FOUND"
	CodeExternalService      = "EXTERNAL_SERVICE_ERROR"
	CodeInternal             = "INTERNAL_ERROR"
	CodeForbiddenOperation   = "FORBIDDEN_OPERATION"
	CodeRollbackReasonNeeded = "ROLLBACK_REASON_REQUIRED"
)

var kindStatus = map[Kind]int{
	KindValidation:         http.StatusBadRequest,
	KindSecurity:           http.StatusBadRequest,
	KindAuthorization:      http.StatusForbidden,
	KindAuthentication:     http.StatusUnauthorized,
	KindRateLimited:        http.StatusTooManyRequests,
	KindConcurrency:        http.StatusConflict,
	KindExternalService:    http.StatusBadGateway,
	KindRollbackIneligible: http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindInternal:           http.StatusInternalServerError,
}

// Error represents an application error
type Error struct {
	Kind     Kind                     `json:"-"`
	Code     string                   `json:"code"`
	Message  string                   `json:"message"`
	Status   int                      `json:"-"`
	Findings []models.SecurityFinding `json:"findings,omitempty"`
	Details  map[string]interface{}   `json:"details,omitempty"`
	Err      error                    `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// JSON returns the error as a JSON string
func (e *Error) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// WithDetail returns a copy of e with an extra detail entry.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// WithFindings returns a copy of e carrying the given findings.
func (e *Error) WithFindings(findings []models.SecurityFinding) *Error {
	cp := *e
	cp.Findings = append([]models.SecurityFinding(nil), findings...)
	return &cp
}

// New creates a new Error
func New(kind Kind, code, message string, err error) *Error {
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

func Validation(code, message string) *Error {
	return New(KindValidation, code, message, nil)
}

func Security(code, message string, findings []models.SecurityFinding) *Error {
	return New(KindSecurity, code, message, nil).WithFindings(findings)
}

func Authorization(code, message string) *Error {
	return New(KindAuthorization, code, message, nil)
}

func Authentication(code, message string) *Error {
	return New(KindAuthentication, code, message, nil)
}

func Concurrency(code, message string) *Error {
	return New(KindConcurrency, code, message, nil)
}

func External(message string, err error) *Error {
	return New(KindExternalService, CodeExternalService, message, err)
}

func Internal(message string, err error) *Error {
	return New(KindInternal, CodeInternal, message, err)
}

func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message, nil)
}

// From extracts an *Error from err, wrapping unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Internal("Internal server error", err)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// Respond writes err as the standard JSON error body.
func Respond(c *gin.Context, err error) {
	appErr := From(err)
	body := gin.H{"code": appErr.Code, "message": appErr.Message}
	if len(appErr.Findings) > 0 {
		body["findings"] = appErr.Findings
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	c.AbortWithStatusJSON(appErr.Status, body)
}

// Error middleware for Gin
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			Respond(c, c.Errors.Last().Err)
		}
	}
}
