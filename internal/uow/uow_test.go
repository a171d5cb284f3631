package uow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunHooks_InOrderSkippingNil(t *testing.T) {
	var got []int

	RunHooks(context.Background(), []AfterCommit{
		func(context.Context) { got = append(got, 1) },
		nil,
		func(context.Context) { got = append(got, 2) },
	})

	assert.Equal(t, []int{1, 2}, got)
}

func TestRunHooks_SurviveCancelledCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var hookErr error
	var deadline bool
	RunHooks(ctx, []AfterCommit{
		func(ctx context.Context) {
			hookErr = ctx.Err()
			_, deadline = ctx.Deadline()
		},
	})

	assert.NoError(t, hookErr)
	assert.True(t, deadline, "hooks are bounded by HookTimeout")
}
