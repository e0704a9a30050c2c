package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func(context.Context) error {
		calls++
		if calls < 2 {
			return Wrap(errors.New("deadlock"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryPassesThroughDomainErrors(t *testing.T) {
	boom := errors.New("insufficient funds")
	calls := 0
	err := Retry(context.Background(), 5, func(context.Context) error {
		calls++
		return boom
	})
	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	retried := 0
	err := Retry(context.Background(), 3, func(context.Context) error {
		calls++
		return Wrap(errors.New("serialization failure"))
	}, func(int, error) { retried++ })
	require.Error(t, err)
	assert.True(t, Is(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retried)
}

func TestWrapIsIdempotent(t *testing.T) {
	err := Wrap(Wrap(errors.New("x")))
	assert.Equal(t, "storage conflict: x", err.Error())
	assert.Nil(t, Wrap(nil))
}
