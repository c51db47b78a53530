package directory

import (
	"fmt"
	"testing"
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestTTLCache(t *testing.T) {
	cache := NewTTLCache(50*time.Millisecond, 10)

	owner := domain.Ownership{StrategyID: "s", PortfolioID: "p", ExecutionID: "e"}
	cache.Set("k", owner)

	got, ok := cache.Get("k")
	assert.True(t, ok)
	assert.Equal(t, owner, got)
	assert.Equal(t, 1, cache.Len())

	assert.Eventually(t, func() bool {
		_, ok := cache.Get("k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestTTLCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewTTLCache(time.Minute, 2)

	for i := 0; i < 3; i++ {
		cache.Set(fmt.Sprintf("exec-%d", i), domain.Ownership{ExecutionID: fmt.Sprintf("exec-%d", i)})
	}

	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get("exec-0")
	assert.False(t, ok)
	got, ok := cache.Get("exec-2")
	assert.True(t, ok)
	assert.Equal(t, "exec-2", got.ExecutionID)
}

func TestNewCache(t *testing.T) {
	assert.IsType(t, NoCache{}, NewCache(0))
	assert.IsType(t, &TTLCache{}, NewCache(time.Minute))

	c := NoCache{}
	c.Set("k", domain.Ownership{ExecutionID: "e"})
	_, ok := c.Get("k")
	assert.False(t, ok)
}
