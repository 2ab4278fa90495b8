package agenttun

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "fake timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return false }

var _ net.Error = fakeTimeoutError{}

func Test_dialErrorMessage_reports_timeout_on_deadline_exceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	if got := dialErrorMessage(ctx, errors.New("dial tcp: i/o timeout")); got != "timeout" {
		t.Errorf("expected %q, got %q", "timeout", got)
	}
}

func Test_dialErrorMessage_reports_timeout_on_net_error_timeout(t *testing.T) {
	ctx := context.Background()
	if got := dialErrorMessage(ctx, fakeTimeoutError{}); got != "timeout" {
		t.Errorf("expected %q, got %q", "timeout", got)
	}
}

func Test_dialErrorMessage_passes_through_refused(t *testing.T) {
	ctx := context.Background()
	err := errors.New("dial tcp 127.0.0.1:9: connection refused")
	if got := dialErrorMessage(ctx, err); got != err.Error() {
		t.Errorf("expected %q, got %q", err.Error(), got)
	}
}
