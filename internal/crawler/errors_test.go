package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSkippable(t *testing.T) {
	t.Parallel()

	fetchErr := fmt.Errorf("walk page: %w", &FetchError{URL: "https://x", StatusCode: 503, Err: errors.New("unavailable")})
	assert.True(t, IsSkippable(fetchErr))
	assert.True(t, IsSkippable(NewParseShapeError("missing %s", "div.pagination")))
	assert.True(t, IsSkippable(fmt.Errorf("taxonomy: %w", ErrUpstreamUnavailable)))
	assert.True(t, IsSkippable(errors.New("product payload: missing name")))
	assert.False(t, IsSkippable(nil))
	assert.False(t, IsSkippable(context.Canceled))
	assert.False(t, IsSkippable(fmt.Errorf("walk canceled: %w", context.DeadlineExceeded)))
	assert.False(t, IsSkippable(&PartitionFatalError{Worker: 2, Err: errors.New("dial")}))
	assert.False(t, IsSkippable(fmt.Errorf("connect: %w", ErrNoConnectors)))
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	assert.Equal(t, "fetch https://x: status 404: connection refused",
		(&FetchError{URL: "https://x", StatusCode: 404, Err: cause}).Error())
	assert.Equal(t, "fetch https://x: connection refused", (&FetchError{URL: "https://x", Err: cause}).Error())
	assert.Equal(t, "partition 3: connection refused", (&PartitionFatalError{Worker: 3, Err: cause}).Error())
	assert.ErrorIs(t, &PartitionFatalError{Worker: 3, Err: cause}, cause)
}
