package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRecordsOutcome(t *testing.T) {
	env := NewContext(nil)
	defer env.Release()

	ok := Func{OpName: "test.ok", Fn: func(ctx context.Context, env *Context) error {
		return nil
	}}
	require.NoError(t, Run(context.Background(), env, ok))
	assert.False(t, env.HasError("test.ok"))

	failure := Errorf("test.fail", CodeKasDownload, "download broke")
	fail := Func{OpName: "test.fail", Fn: func(ctx context.Context, env *Context) error {
		return failure
	}}
	err := Run(context.Background(), env, fail)
	require.Error(t, err)
	assert.Equal(t, failure, env.FailureOf("test.fail"))
	assert.True(t, env.HasError("test.ok", "test.fail"))
}

func TestRunRecoversPanic(t *testing.T) {
	env := NewContext(nil)
	defer env.Release()

	boom := Func{OpName: "test.panic", Fn: func(ctx context.Context, env *Context) error {
		panic("boom")
	}}

	err := Run(context.Background(), env, boom)
	require.Error(t, err)
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.Contains(t, err.Error(), "boom")
	assert.Error(t, env.FailureOf("test.panic"))
}

func TestRunCancelledContext(t *testing.T) {
	env := NewContext(nil)
	defer env.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	op := Func{OpName: "test.cancelled", Fn: func(ctx context.Context, env *Context) error {
		ran = true
		return nil
	}}
	err := Run(ctx, env, op)
	require.Error(t, err)
	assert.False(t, ran, "operation must not execute on a cancelled context")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	op := Func{OpName: "test.op", Fn: func(ctx context.Context, env *Context) error { return nil }}
	r.Register(op)

	got, ok := r.Get("test.op")
	require.True(t, ok)
	assert.Equal(t, "test.op", got.Name())

	_, ok = r.Get("test.missing")
	assert.False(t, ok)

	assert.NotPanics(t, func() { r.MustGet("test.op") })
	assert.Panics(t, func() { r.MustGet("test.missing") })
	assert.Panics(t, func() { r.Register(op) }, "duplicate registration is a programmer error")

	assert.ElementsMatch(t, []string{"test.op"}, r.Names())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"coded error", Errorf("op", CodeKasHashMismatch, "bad hash"), CodeKasHashMismatch},
		{"wrapped coded error", fmt.Errorf("outer: %w", Wrap("op", CodeDecryptFailed, errors.New("inner"))), CodeDecryptFailed},
		{"plain error", errors.New("plain"), CodeInternal},
		{"wrapped plain error", fmt.Errorf("outer: %w", errors.New("inner")), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	e := Wrap("kas.outgoing", CodeKasUpload, errors.New("connection refused"))
	assert.Contains(t, e.Error(), "kas.outgoing")
	assert.Contains(t, e.Error(), "KAS_UPLOAD_FAILED")
	assert.Contains(t, e.Error(), "connection refused")

	bare := Wrap("kas.outgoing", CodeKasUpload, nil)
	assert.Equal(t, "kas.outgoing: KAS_UPLOAD_FAILED", bare.Error())
	assert.Nil(t, errors.Unwrap(bare))
}
