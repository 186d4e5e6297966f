package audit

import (
	"context"
	"errors"
	"net"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldRetryTransportErrors(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond)

	reset := &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
	require.True(t, policy.ShouldRetry(reset, 1))
	require.True(t, policy.ShouldRetry(&url.Error{Op: "Get", URL: "https://example.com/", Err: reset}, 1))

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	require.True(t, policy.ShouldRetry(refused, 2))

	timeout := &net.DNSError{Err: "lookup timed out", IsTimeout: true}
	require.True(t, policy.ShouldRetry(timeout, 1))
}

func TestShouldRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond)

	require.False(t, policy.ShouldRetry(context.Canceled, 1))
	require.False(t, policy.ShouldRetry(context.DeadlineExceeded, 1))
	require.False(t, policy.ShouldRetry(ErrTooManyRedirects, 1))

	noHost := &net.DNSError{Err: "no such host", IsNotFound: true}
	require.False(t, policy.ShouldRetry(noHost, 1))
	require.False(t, policy.ShouldRetry(&url.Error{Op: "Get", URL: "https://gone.example/", Err: noHost}, 1))
	require.False(t, policy.ShouldRetry(nil, 1))
}

func TestShouldRetryStopsAtAttemptCap(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(2, time.Millisecond, 2*time.Millisecond)
	transient := errors.New("connection reset by peer")
	require.True(t, policy.ShouldRetry(transient, 1))
	require.False(t, policy.ShouldRetry(transient, 2))
}

func TestBackoffIsBoundedByMaxDelay(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(5, 10*time.Millisecond, 50*time.Millisecond)
	for attempt := 1; attempt <= 10; attempt++ {
		require.LessOrEqual(t, policy.Backoff(attempt), 50*time.Millisecond)
	}
}
