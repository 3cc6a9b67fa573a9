package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := NewRedisClient(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, 5*time.Minute, nil), mr
}

func TestRedisReadThroughAndInvalidate(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	calls := 0
	qty := 3
	load := func(ctx context.Context, itemID uint) ([]VariantOption, error) {
		calls++
		return []VariantOption{{ItemID: itemID, SizeLabel: "M", Quantity: qty, Label: OptionLabel("M", qty)}}, nil
	}

	opts, err := c.Options(ctx, 4, load)
	require.NoError(t, err)
	assert.Equal(t, "M (in stock: 3)", opts[0].Label)
	assert.True(t, mr.Exists("variants_for_item_4"))
	assert.Equal(t, 5*time.Minute, mr.TTL("variants_for_item_4"))

	qty = 1
	opts, err = c.Options(ctx, 4, load)
	require.NoError(t, err)
	assert.Equal(t, 3, opts[0].Quantity, "served from cache")
	assert.Equal(t, 1, calls)

	c.Invalidate(ctx, 4, 5)
	assert.False(t, mr.Exists("variants_for_item_4"))

	opts, err = c.Options(ctx, 4, load)
	require.NoError(t, err)
	assert.Equal(t, 1, opts[0].Quantity)
	assert.Equal(t, 2, calls)
}

func TestRedisExpires(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()
	calls := 0
	load := func(context.Context, uint) ([]VariantOption, error) { calls++; return nil, nil }

	_, err := c.Options(ctx, 1, load)
	require.NoError(t, err)
	mr.FastForward(6 * time.Minute)
	_, err = c.Options(ctx, 1, load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRedisDownFallsBackToLoader(t *testing.T) {
	c, mr := newTestRedis(t)
	mr.Close()

	opts, err := c.Options(context.Background(), 2, func(context.Context, uint) ([]VariantOption, error) {
		return []VariantOption{{SizeLabel: "S"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "S", opts[0].SizeLabel)
}

func TestNoop(t *testing.T) {
	var c VariantCache = Noop{}
	calls := 0
	load := func(context.Context, uint) ([]VariantOption, error) { calls++; return nil, nil }
	_, _ = c.Options(context.Background(), 1, load)
	_, _ = c.Options(context.Background(), 1, load)
	c.Invalidate(context.Background(), 1)
	assert.Equal(t, 2, calls)
}
