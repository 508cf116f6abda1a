package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainRunsEveryHook(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	err := Drain(time.Second,
		func(ctx context.Context) error {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			order = append(order, "http")
			return boom
		},
		nil,
		func(context.Context) error {
			order = append(order, "otel")
			return nil
		},
	)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"http", "otel"}, order)
}

func TestDrainWithoutHooks(t *testing.T) {
	assert.NoError(t, Drain(time.Second))
}
