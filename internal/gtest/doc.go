// Package gtest contains helpers shared across dynthrottle tests.
package gtest
