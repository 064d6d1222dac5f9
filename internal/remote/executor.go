// Package remote runs shell commands on worker hosts and reduces each call
// to a success flag, keeping the failure detail in the logs.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Failure taxonomy for Exec. Run collapses all three into false.
var (
	ErrTimeout     = errors.New("remote command timed out")
	ErrConnection  = errors.New("remote connection failed")
	ErrNonZeroExit = errors.New("remote command exited non-zero")
)

// Result is the captured outcome of one remote command.
type Result struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// Conn is a live connection able to run one command at a time.
type Conn interface {
	Run(ctx context.Context, command string) (Result, error)
	Close() error
}

// Dialer opens a connection to a host.
type Dialer interface {
	Dial(ctx context.Context, host Host) (Conn, error)
}

// Executor runs commands through a Dialer, one connection per command.
type Executor struct {
	dialer Dialer
	logger *zap.Logger
}

// NewExecutor builds an Executor.
func NewExecutor(dialer Dialer, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{dialer: dialer, logger: logger.Named("remote")}
}

// Run executes command on host and reports whether it exited 0 within timeout.
// Failures are logged with the host identity and never retried.
func (e *Executor) Run(ctx context.Context, host Host, command string, timeout time.Duration) bool {
	log := e.logger.With(zap.String("host", host.String()))
	log.Debug("calling", zap.String("command", command))

	res, err := e.Exec(ctx, host, command, timeout)
	if err != nil {
		fields := []zap.Field{zap.String("command", command), zap.Error(err)}
		if out := strings.TrimSpace(res.Stderr); out != "" {
			fields = append(fields, zap.String("stderr", out))
		}
		if out := strings.TrimSpace(res.Stdout); out != "" {
			fields = append(fields, zap.String("stdout", out))
		}
		log.Error("remote command failed", fields...)
		return false
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		log.Info("remote output", zap.String("stdout", out))
	}
	return true
}

// Exec executes command on host and returns the captured result. The error
// wraps ErrTimeout, ErrConnection or ErrNonZeroExit.
func (e *Executor) Exec(ctx context.Context, host Host, command string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		return Result{}, fmt.Errorf("exec on %s: timeout must be > 0", host)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := e.dialer.Dial(ctx, host)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w after %s (dialing %s)", ErrTimeout, timeout, host)
		}
		return Result{}, fmt.Errorf("%w: %s: %v", ErrConnection, host, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			e.logger.Debug("close connection", zap.String("host", host.String()), zap.Error(cerr))
		}
	}()

	res, err := conn.Run(ctx, command)
	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return res, fmt.Errorf("%w: %s: %v", ErrConnection, host, err)
	}
	if res.ExitStatus != 0 {
		return res, fmt.Errorf("%w: status %d", ErrNonZeroExit, res.ExitStatus)
	}
	return res, nil
}
