package utils

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorCategory represents different categories of collaborator failures
type ErrorCategory string

const (
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryRateLimit   ErrorCategory = "rate_limit"
	ErrorCategoryNotFound    ErrorCategory = "not_found"
	ErrorCategoryTelegramAPI ErrorCategory = "telegram_api"
	ErrorCategoryFileSystem  ErrorCategory = "filesystem"
	ErrorCategoryPermanent   ErrorCategory = "permanent"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// ErrorSeverity indicates how severe an error is
type ErrorSeverity string

const (
	SeverityLow    ErrorSeverity = "low"
	SeverityMedium ErrorSeverity = "medium"
	SeverityHigh   ErrorSeverity = "high"
)

// CategorizedError represents an error with metadata for handling
type CategorizedError struct {
	Original    error         `json:"original"`
	Category    ErrorCategory `json:"category"`
	Severity    ErrorSeverity `json:"severity"`
	Message     string        `json:"message"`
	Recoverable bool          `json:"recoverable"`
}

func (ce *CategorizedError) Error() string {
	return fmt.Sprintf("[%s:%s] %s", ce.Category, ce.Severity, ce.Message)
}

func (ce *CategorizedError) Unwrap() error {
	return ce.Original
}

var categoryPatterns = []struct {
	category ErrorCategory
	patterns []string
}{
	{ErrorCategoryRateLimit, []string{"too many requests", "flood", "retry after"}},
	{ErrorCategoryNotFound, []string{"not found", "message_id_invalid", "no such file"}},
	{ErrorCategoryNetwork, []string{
		"connection refused", "connection reset", "timeout", "no route to host",
		"host unreachable", "dial tcp", "i/o timeout", "eof", "broken pipe",
	}},
	{ErrorCategoryFileSystem, []string{"permission denied", "no space left on device", "read-only file system"}},
	{ErrorCategoryPermanent, []string{"file is too big", "forbidden", "unauthorized", "chat not found"}},
	{ErrorCategoryTelegramAPI, []string{"bad request", "telegram", "bad gateway", "internal server error"}},
}

// Categorize classifies an error by its message text.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce
	}

	text := strings.ToLower(err.Error())
	category := ErrorCategoryUnknown
	for _, entry := range categoryPatterns {
		for _, pattern := range entry.patterns {
			if strings.Contains(text, pattern) {
				category = entry.category
				break
			}
		}
		if category != ErrorCategoryUnknown {
			break
		}
	}

	severity := SeverityMedium
	recoverable := true
	switch category {
	case ErrorCategoryRateLimit, ErrorCategoryNetwork:
		severity = SeverityLow
	case ErrorCategoryPermanent, ErrorCategoryFileSystem:
		severity = SeverityHigh
		recoverable = false
	case ErrorCategoryNotFound:
		recoverable = false
	}

	return &CategorizedError{
		Original:    err,
		Category:    category,
		Severity:    severity,
		Message:     err.Error(),
		Recoverable: recoverable,
	}
}

// IsShutdownTransient reports whether err is the kind of connection error
// produced by a close racing an in-flight read or write.
func IsShutdownTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "use of closed network connection") ||
		strings.Contains(text, "context canceled") ||
		strings.Contains(text, "connection reset by peer")
}

// RestoreError is returned when a snapshot cannot be restored. The registry
// is left empty when it occurs.
type RestoreError struct {
	Reason string
	Err    error
}

func (e *RestoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("restore failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("restore failed: %s", e.Reason)
}

func (e *RestoreError) Unwrap() error {
	return e.Err
}

func NewRestoreError(reason string, err error) *RestoreError {
	return &RestoreError{Reason: reason, Err: err}
}

func IsRestoreError(err error) bool {
	var re *RestoreError
	return errors.As(err, &re)
}

// Predefined error types for common scenarios
var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvalidRange       = errors.New("invalid unit range")
	ErrQueueFull          = errors.New("dispatch queue is full")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrRegistryClosed     = errors.New("registry is shut down")
	ErrReloadInProgress   = errors.New("reload already in progress")
	ErrUnauthorizedAccess = errors.New("unauthorized access")
)

func NewTaskError(taskID int64, err error) error {
	return fmt.Errorf("task %d: %w", taskID, err)
}
