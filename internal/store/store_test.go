package store

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tradeforge/engine/internal/domain"
)

// For any set of concurrent inserts sharing an idempotency_key, exactly
// one Order row exists at quiescence and every other caller observes the
// storage-level uniqueness violation.
func TestConcurrentIdempotentInserts_ExactlyOneSucceeds(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	const n = 10
	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := &domain.Order{
				ID: uuidFor(i), SessionID: "sess-1", IdempotencyKey: "SAME-KEY",
				Symbol: "NIFTY", Side: domain.SideBuy, Type: domain.OrderTypeMarket,
				Product: domain.ProductMIS, Quantity: 50, Status: domain.OrderCreated,
			}
			if st.CreateOrder(nil, o) == nil {
				atomic.AddInt32(&successes, 1)
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, successes, "exactly one concurrent insert must win the idempotency key")

	row := st.db.QueryRow(`SELECT COUNT(*) FROM orders WHERE idempotency_key = ?`, "SAME-KEY")
	var count int
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

// Two risk-lock holds on the same session must never overlap in time.
func TestAcquireRiskLock_SerializesSameSession(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var mu sync.Mutex
	overlapping := false
	active := 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := st.AcquireRiskLock("same-session", time.Second)
			if err != nil {
				return
			}
			defer lock.Release()

			mu.Lock()
			active++
			if active > 1 {
				overlapping = true
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.False(t, overlapping, "same-session risk lock acquisitions must never overlap")
}

// Different sessions are not serialized against each other.
func TestAcquireRiskLock_DifferentSessionsMayOverlap(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	start := make(chan struct{})
	bothHeld := make(chan struct{}, 2)

	var wg sync.WaitGroup
	for _, sessionID := range []string{"session-a", "session-b"} {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			<-start
			lock, err := st.AcquireRiskLock(sessionID, time.Second)
			require.NoError(t, err)
			defer lock.Release()
			bothHeld <- struct{}{}
			time.Sleep(50 * time.Millisecond)
		}(sessionID)
	}
	close(start)
	wg.Wait()
	close(bothHeld)

	held := 0
	for range bothHeld {
		held++
	}
	require.Equal(t, 2, held, "locks on distinct sessions must both acquire without serializing")
}

func TestAuditLog_RejectsUpdateAndDelete(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.AddAudit(nil, domain.AuditLogEntry{EventType: "order_created", EntityType: "order", EntityID: "o-1", Actor: "executor"}))

	_, err = st.db.Exec(`UPDATE audit_log SET actor = 'tampered' WHERE entity_id = 'o-1'`)
	require.Error(t, err, "audit_log must reject UPDATE at the storage layer")

	_, err = st.db.Exec(`DELETE FROM audit_log WHERE entity_id = 'o-1'`)
	require.Error(t, err, "audit_log must reject DELETE at the storage layer")
}

// TestControlLog_AckPatchSucceedsButOtherFieldsAreImmutable verifies the
// narrower append-only trigger on strategy_control_log: the one sanctioned
// ack patch (acked_at/ack_latency_ms) succeeds, but mutating any other
// column (or deleting) still fails at the storage layer.
func TestControlLog_AckPatchSucceedsButOtherFieldsAreImmutable(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	id, err := st.AppendControlLog(domain.StrategyControlLogEntry{
		Strategy: "strat-a", Action: domain.IntentPause, Actor: "op1",
		FromStatus: domain.StrategyRunning, ToStatus: domain.StrategyPaused,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, st.AckControlLog("strat-a", time.Now().UTC(), 123))

	logs, err := st.RecentControlLog(1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].AckLatencyMS)
	require.EqualValues(t, 123, *logs[0].AckLatencyMS)

	_, err = st.db.Exec(`UPDATE strategy_control_log SET actor = 'tampered' WHERE strategy = 'strat-a'`)
	require.Error(t, err, "strategy_control_log must reject updates to fields other than the ack patch")

	_, err = st.db.Exec(`DELETE FROM strategy_control_log WHERE strategy = 'strat-a'`)
	require.Error(t, err, "strategy_control_log must reject DELETE at the storage layer")
}

func uuidFor(i int) string {
	return "order-" + string(rune('a'+i))
}
