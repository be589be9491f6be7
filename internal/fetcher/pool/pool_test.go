package pool

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

type namedConnector string

func (namedConnector) Connect(context.Context) (crawler.Session, error) { return nil, nil }

func TestPoolRoundRobin(t *testing.T) {
	t.Parallel()

	p, err := New(namedConnector("a"), nil, namedConnector("b"), namedConnector("c"))
	require.NoError(t, err)
	require.Equal(t, 3, p.Size())

	got := make([]crawler.Connector, 0, 7)
	for i := 0; i < 7; i++ {
		got = append(got, p.For(i))
	}
	assert.Equal(t, []crawler.Connector{
		namedConnector("a"), namedConnector("b"), namedConnector("c"),
		namedConnector("a"), namedConnector("b"), namedConnector("c"),
		namedConnector("a"),
	}, got)
}

func TestPoolNegativeIndexWraps(t *testing.T) {
	t.Parallel()

	p, err := New(namedConnector("a"), namedConnector("b"), namedConnector("c"))
	require.NoError(t, err)

	assert.Equal(t, namedConnector("c"), p.For(-1))
	assert.Equal(t, namedConnector("a"), p.For(-3))
	assert.NotPanics(t, func() {
		assert.Equal(t, namedConnector("b"), p.For(math.MinInt))
	})
}

func TestPoolEmptyIsSetupError(t *testing.T) {
	t.Parallel()

	_, err := New()
	require.ErrorIs(t, err, crawler.ErrNoConnectors)
	_, err = New(nil, nil)
	require.ErrorIs(t, err, crawler.ErrNoConnectors)
}

func TestDirectFirst(t *testing.T) {
	t.Parallel()

	d, err := NewDirectFirst(namedConnector("direct"), namedConnector("p1"), nil, namedConnector("p2"))
	require.NoError(t, err)
	assert.Equal(t, 3, d.Size())

	got := make([]crawler.Connector, 0, 6)
	for i := 0; i < 6; i++ {
		got = append(got, d.For(i))
	}
	assert.Equal(t, []crawler.Connector{
		namedConnector("direct"),
		namedConnector("p1"), namedConnector("p2"),
		namedConnector("p1"), namedConnector("p2"),
		namedConnector("p1"),
	}, got)
}

func TestDirectFirstWithoutProxies(t *testing.T) {
	t.Parallel()

	d, err := NewDirectFirst(namedConnector("direct"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.Equal(t, crawler.Connector(namedConnector("direct")), d.For(i))
	}

	_, err = NewDirectFirst(nil, namedConnector("p1"))
	require.ErrorIs(t, err, crawler.ErrNoConnectors)
}
