// Package errors holds startup error handling for the binaries and the
// classification of service errors into stable kinds.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/logger"
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler collects fatal startup errors so main can exit with a code
// after deferred cleanup has run.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	logger.Error("Fatal error", "error", NewGracefulError(operation, err))
	eh.signalExit(1)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.signalExit(1)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.signalExit(1)
}

func (eh *ErrorHandler) signalExit(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

// ExitCode returns a pending exit code without blocking.
func (eh *ErrorHandler) ExitCode() (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	default:
		return 0, false
	}
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-timer.C:
		return 0, false
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}

// Error kinds reported in metrics labels and API responses.
const (
	KindNone                   = "success"
	KindNotFound               = "not_found"
	KindIntegrityViolation     = "integrity_violation"
	KindInvalidStateTransition = "invalid_state"
	KindExamNotRunning         = "exam_not_running"
	KindStorageFailure         = "storage_failure"
	KindInvariantFault         = "invariant_fault"
	KindTimeout                = "timeout"
	KindInternal               = "internal"
)

// Kind classifies err by the service sentinel it wraps.
func Kind(err error) string {
	switch {
	case err == nil:
		return KindNone
	case stderrors.Is(err, consts.ErrConnectionNotFound):
		return KindNotFound
	case stderrors.Is(err, consts.ErrIntegrityViolation):
		return KindIntegrityViolation
	case stderrors.Is(err, consts.ErrInvalidStateTransition):
		return KindInvalidStateTransition
	case stderrors.Is(err, consts.ErrExamNotRunning):
		return KindExamNotRunning
	case stderrors.Is(err, consts.ErrInvariantFault):
		return KindInvariantFault
	case stderrors.Is(err, consts.ErrStorageFailure):
		return KindStorageFailure
	case stderrors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}
