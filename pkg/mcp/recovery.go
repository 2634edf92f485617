package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RecoveryAction says how CallTool handles a failed call.
type RecoveryAction int

const (
	// NoRetry reports the error to the model as is.
	NoRetry RecoveryAction = iota
	// RetrySameSession retries on the open session.
	RetrySameSession
	// RetryNewSession reconnects before retrying.
	RetryNewSession
)

func (a RecoveryAction) String() string {
	switch a {
	case RetrySameSession:
		return "retry_same_session"
	case RetryNewSession:
		return "retry_new_session"
	default:
		return "no_retry"
	}
}

const (
	// ConnectTimeout bounds transport setup and the initialize handshake.
	ConnectTimeout = 30 * time.Second

	// ReconnectTimeout bounds reconnecting a broken session.
	ReconnectTimeout = 10 * time.Second

	// OperationTimeout bounds a single ListTools or CallTool request.
	// The executor's tool timeout still applies on top.
	OperationTimeout = 90 * time.Second

	RetryBackoffMin = 250 * time.Millisecond
	RetryBackoffMax = 750 * time.Millisecond

	// HealthPingTimeout bounds one health probe.
	HealthPingTimeout = 5 * time.Second

	// HealthInterval is the time between health probes.
	HealthInterval = 30 * time.Second
)

var connectionErrors = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"connection closed",
	"no such host",
}

var rateLimitErrors = []string{
	"rate limit",
	"too many requests",
}

// ClassifyError picks the recovery action for a failed MCP call.
// Timeouts and protocol errors are not retried.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NoRetry
		}
		return RetryNewSession
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return RetryNewSession
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, connectionErrors):
		return RetryNewSession
	case containsAny(msg, rateLimitErrors):
		return RetrySameSession
	default:
		return NoRetry
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
