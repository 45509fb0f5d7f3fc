// Package testutil holds small assertion helpers shared by package tests.
package testutil

import (
	"strings"
	"testing"
	"time"
)

// AssertEqual fails when got != want.
func AssertEqual(t *testing.T, got, want interface{}, msg string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", msg, got, want)
	}
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("%s: expected true, got false", msg)
	}
}

func AssertFalse(t *testing.T, condition bool, msg string) {
	t.Helper()
	if condition {
		t.Errorf("%s: expected false, got true", msg)
	}
}

func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", msg, err)
	}
}

func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: expected error, got nil", msg)
	}
}

// AssertContains checks a slice for an element or a string for a substring.
func AssertContains(t *testing.T, container interface{}, element string, msg string) {
	t.Helper()
	switch v := container.(type) {
	case []string:
		for _, item := range v {
			if strings.Contains(item, element) {
				return
			}
		}
		t.Errorf("%s: %v has no entry containing %q", msg, v, element)
	case string:
		if !strings.Contains(v, element) {
			t.Errorf("%s: %q does not contain %q", msg, v, element)
		}
	default:
		t.Errorf("%s: unsupported type for AssertContains", msg)
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("%s: condition not met within %v", msg, timeout)
}
