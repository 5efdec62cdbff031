package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name          string
		kind          Kind
		wantKind      Kind
		wantRetryable bool
	}{
		{"io errors are retryable", KindIO, KindIO, true},
		{"timeouts are retryable", KindTimeout, KindTimeout, true},
		{"resource errors are retryable", KindResource, KindResource, true},
		{"conflicts are retryable", KindConflict, KindConflict, true},
		{"decode errors are terminal", KindDecode, KindDecode, false},
		{"encoder errors are terminal", KindEncoder, KindEncoder, false},
		{"not_found is terminal", KindNotFound, KindNotFound, false},
		{"cancelled is terminal", KindCancelled, KindCancelled, false},
		{"unknown kinds collapse to internal", Kind("bogus"), KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.kind, "boom")
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, tt.wantRetryable, err.Retryable)
		})
	}
}

func TestErrorString(t *testing.T) {
	err := New(KindDecode, "not a video")
	assert.Equal(t, "[decode_error] not a video", err.Error())
}

func TestWrapPreservesChain(t *testing.T) {
	cause := stderrors.New("disk on fire")
	err := Wrap(KindIO, "write temporal matrix", cause)

	require.NotNil(t, err)
	assert.Equal(t, KindIO, err.Kind)
	assert.True(t, stderrors.Is(err, cause))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindIO, "nothing", nil))
}

func TestWrapDoesNotDowngradeKind(t *testing.T) {
	// A decode error wrapped as internal keeps its specific kind.
	inner := New(KindDecode, "bad container")
	err := Wrap(KindInternal, "pipeline step failed", inner)

	require.NotNil(t, err)
	assert.Equal(t, KindDecode, err.Kind)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"classified", New(KindTimeout, "slow"), KindTimeout},
		{"wrapped classified", fmt.Errorf("outer: %w", New(KindNotFound, "gone")), KindNotFound},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindCancelled},
		{"plain", stderrors.New("plain"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsMatchesByKind(t *testing.T) {
	err := New(KindNotFound, "video missing")
	assert.True(t, stderrors.Is(err, New(KindNotFound, "anything")))
	assert.False(t, stderrors.Is(err, New(KindIO, "anything")))
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(nil))
	assert.Equal(t, KindTimeout, KindOf(FromContext(context.DeadlineExceeded)))
	assert.Equal(t, KindCancelled, KindOf(FromContext(context.Canceled)))

	plain := stderrors.New("untouched")
	assert.Equal(t, plain, FromContext(plain))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(New(KindIO, "flaky disk")))
	assert.False(t, IsRetryable(New(KindDecode, "garbage input")))
	assert.False(t, IsRetryable(stderrors.New("unclassified")))
}

func TestMessageHidesInternals(t *testing.T) {
	assert.Equal(t, "stores diverged", Message(New(KindInternal, "stores diverged")))
	assert.Equal(t, "internal error", Message(stderrors.New("sql: secret dsn leaked")))
}

func TestWithDetail(t *testing.T) {
	err := New(KindIO, "boom").WithDetail("path", "/tmp/x").WithDetail("op", "put")
	assert.Equal(t, "/tmp/x", err.Details["path"])
	assert.Equal(t, "put", err.Details["op"])
}

func TestFormatForCLI(t *testing.T) {
	err := New(KindNotFound, "job missing").WithDetail("job_id", "j-1")
	out := FormatForCLI(err)
	assert.Contains(t, out, "job missing")
	assert.Contains(t, out, "not_found")
	assert.Contains(t, out, "job_id: j-1")

	assert.Equal(t, "Error: plain", FormatForCLI(stderrors.New("plain")))
	assert.Equal(t, "", FormatForCLI(nil))
}
