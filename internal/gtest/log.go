package gtest

import (
	"log/slog"
	"testing"

	"github.com/neilotoole/slogt"
)

// NewLogger returns a slog.Logger that writes through t.Log,
// so that output is only shown for failing or verbose tests.
func NewLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slogt.New(t, slogt.Text())
}
