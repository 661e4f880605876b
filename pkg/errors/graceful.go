// Package errors reports process-level failures and turns them into an exit code.
package errors

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/migadu/lbpool/logger"
)

// Exit codes reported through ErrorHandler
const (
	ExitOK     = 0
	ExitFatal  = 1
	ExitConfig = 2
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

// ErrorHandler collects the first fatal condition. Errors are written to stderr
// directly because they may happen before the logger is configured.
type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		logger:      log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

// FatalError reports a failure of a running component, e.g. a listener that stopped
func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.logger.Printf("FATAL: %v", NewGracefulError(operation, err))
	eh.signal(ExitFatal)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.logger.Printf("configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("failed to parse configuration file '%s': %v", configPath, err)
	}
	eh.signal(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("invalid configuration - %s: %v", field, err)
	eh.signal(ExitConfig)
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

// WaitForExitWithTimeout returns the reported exit code, or false if nothing was
// reported within timeout
func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

// Shutdown logs whether the process is stopping on request or because of a failure
func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
