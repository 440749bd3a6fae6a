package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGet_RespectsTTL(t *testing.T) {
	c := New()
	c.Set(LTPKey("NIFTY"), "101.5", 50*time.Millisecond)

	v, ok := c.Get(LTPKey("NIFTY"))
	require.True(t, ok)
	require.Equal(t, "101.5", v)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get(LTPKey("NIFTY"))
	require.False(t, ok, "expired entries must read as absent")
}

func TestDelete_ClearsConnectedFlag(t *testing.T) {
	c := New()
	c.Set(WSConnectedKey(), "1", time.Minute)
	c.Delete(WSConnectedKey())
	_, ok := c.Get(WSConnectedKey())
	require.False(t, ok)
}

func TestSweep_EvictsExpiredOnly(t *testing.T) {
	c := New()
	c.Set("a", "1", time.Minute)
	c.Set("b", "2", -time.Second)
	c.Sweep()

	_, ok := c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("b")
	require.False(t, ok)
}
