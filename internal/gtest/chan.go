package gtest

import (
	"os"
	"strconv"
	"testing"
	"time"
)

// timeScale is read from DYNTHROTTLE_TEST_TIME_SCALE,
// so that slow CI machines can stretch every timeout in the suite.
var timeScale = func() float64 {
	s := os.Getenv("DYNTHROTTLE_TEST_TIME_SCALE")
	if s == "" {
		return 1
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 1
	}
	return f
}()

// ScaleMs returns ms milliseconds multiplied by the configured time scale.
func ScaleMs(ms int64) time.Duration {
	return time.Duration(float64(ms) * timeScale * float64(time.Millisecond))
}

// ReceiveOrTimeout returns the first value received on ch,
// failing the test if nothing arrives within timeout.
func ReceiveOrTimeout[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("no value received within %s", timeout)
	}

	panic("unreachable")
}

// ReceiveSoon is ReceiveOrTimeout with a short default timeout.
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()
	return ReceiveOrTimeout(t, ch, ScaleMs(500))
}

// SendSoon sends v on ch, failing the test if the send blocks too long.
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScaleMs(500))
	defer timer.Stop()

	select {
	case ch <- v:
	case <-timer.C:
		t.Fatalf("value not sent within %s", ScaleMs(500))
	}
}

// NotSending fails the test if ch has a value ready to receive.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("expected no value, got %v", v)
	default:
	}
}
