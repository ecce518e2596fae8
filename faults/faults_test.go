package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"transient", New(ClassTransient, base), ClassTransient},
		{"auth", New(ClassAuth, base), ClassAuth},
		{"wrapped", fmt.Errorf("outer: %w", New(ClassParse, base)), ClassParse},
		{"unclassified", base, Class("")},
		{"nil", nil, Class("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestNewNilPassthrough(t *testing.T) {
	assert.NoError(t, New(ClassTransient, nil))
}

func TestFromStatusCode(t *testing.T) {
	base := errors.New("remote")

	tests := []struct {
		status int
		want   Class
	}{
		{200, Class("")},
		{204, Class("")},
		{0, Class("")},
		{401, ClassAuth},
		{403, ClassAuth},
		{404, ClassPermanent},
		{422, ClassPermanent},
		{429, ClassTransient},
		{500, ClassTransient},
		{503, ClassTransient},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := FromStatusCode(tt.status, base)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.want, ClassOf(err))
		})
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New(ClassTransient, cause)
	assert.True(t, errors.Is(err, cause))
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}, func() error {
		calls++
		return New(ClassPermanent, errors.New("bad request"))
	})
	require.Error(t, err)
	assert.Equal(t, ClassPermanent, ClassOf(err))
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}, func() error {
		calls++
		return New(ClassTransient, errors.New("timeout"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}, func() error {
		calls++
		if calls < 2 {
			return New(ClassTransient, errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryConfig{MaxAttempts: 3, BackoffBase: time.Hour, BackoffMultiplier: 1, MaxBackoff: time.Hour}, func() error {
		return New(ClassTransient, errors.New("flaky"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}
