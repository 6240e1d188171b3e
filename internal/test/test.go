// Package test provides helpers shared by the package tests.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"pgregory.net/rapid"
)

const defaultTimeout = 10 * time.Second

// FailerT is the subset of [testing.TB] used to fail tests. It is satisfied
// by *testing.T and by *rapid.T.
type FailerT interface {
	Helper()
	Log(...any)
	Fatal(...any)
	Fatalf(string, ...any)
}

var (
	_ FailerT = (testing.TB)(nil)
	_ FailerT = (*rapid.T)(nil)
)

// Context returns a context that is canceled when the test completes, with a
// deadline that fails hanging tests rather than letting them time out at the
// package level.
func Context(t testing.TB) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	t.Cleanup(cancel)

	return ctx
}

// Expect compares two values and fails the test if they are different.
func Expect[T any](t FailerT, failMessage string, got, want T) {
	t.Helper()

	if diff := cmp.Diff(
		want,
		got,
		cmpopts.EquateEmpty(),
		cmpopts.EquateErrors(),
	); diff != "" {
		t.Log(failMessage)
		t.Fatal(diff)
	}
}

// ExpectSuccess fails the test if err is non-nil.
func ExpectSuccess(t FailerT, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}
