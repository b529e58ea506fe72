package replication

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/solidb/internal/engine"
	"github.com/cuemby/solidb/internal/value"
)

func startTestNode(t *testing.T, nodeID string, peers []string) (*Service, *engine.Engine) {
	t.Helper()
	eng, err := engine.Open(t.TempDir(), nodeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	svc, err := NewService(eng, Config{ListenAddr: "127.0.0.1:0", Peers: peers})
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)
	return svc, eng
}

// recordInsert performs a local insert and logs it for replication, the
// way the serving surface does for every accepted write.
func recordInsert(t *testing.T, svc *Service, eng *engine.Engine, db, coll, key string, fields map[string]value.Value) {
	t.Helper()
	d, err := eng.EnsureDatabase(db)
	require.NoError(t, err)
	c, err := d.EnsureCollection(coll)
	require.NoError(t, err)
	data := map[string]value.Value{"_key": value.String(key)}
	for k, v := range fields {
		data[k] = v
	}
	doc, _, err := c.Store().Insert(data)
	require.NoError(t, err)
	raw, err := json.Marshal(doc.ToValue())
	require.NoError(t, err)
	_, err = svc.RecordWrite(db, coll, OpInsert, key, raw, "")
	require.NoError(t, err)
}

func TestTwoNodeSyncAndIdempotentReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("two-node integration test")
	}
	svcA, engA := startTestNode(t, "node-a", nil)

	for i := 0; i < 20; i++ {
		recordInsert(t, svcA, engA, "app", "users", "u"+string(rune('a'+i)), map[string]value.Value{"i": value.Number(float64(i))})
	}

	svcB, engB := startTestNode(t, "node-b", []string{svcA.ListenAddr()})

	require.Eventually(t, func() bool {
		db, ok := engB.Database("app")
		if !ok {
			return false
		}
		coll, ok := db.Collection("users")
		if !ok {
			return false
		}
		return coll.Store().Count() == 20
	}, 15*time.Second, 50*time.Millisecond, "node B never converged")

	// More writes after the link is established flow incrementally.
	recordInsert(t, svcA, engA, "app", "users", "late", nil)
	require.Eventually(t, func() bool {
		db, _ := engB.Database("app")
		coll, ok := db.Collection("users")
		return ok && coll.Store().Count() == 21
	}, 15*time.Second, 50*time.Millisecond)

	// Replaying A's entire log against B's applier changes nothing.
	entries, err := svcA.Log().EntriesAfter(0, 0)
	require.NoError(t, err)
	db, _ := engB.Database("app")
	coll, _ := db.Collection("users")
	before := coll.Store().Count()
	require.True(t, svcB.Applier().Apply(entries))
	require.Equal(t, before, coll.Store().Count())
}

func TestAuthenticatedPeering(t *testing.T) {
	if testing.Short() {
		t.Skip("two-node integration test")
	}
	engA, err := engine.Open(t.TempDir(), "node-a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = engA.Close() })
	svcA, err := NewService(engA, Config{ListenAddr: "127.0.0.1:0", Keyfile: "shared-key"})
	require.NoError(t, err)
	require.NoError(t, svcA.Start())
	t.Cleanup(svcA.Stop)

	recordInsert(t, svcA, engA, "app", "users", "u1", nil)

	engB, err := engine.Open(t.TempDir(), "node-b")
	require.NoError(t, err)
	t.Cleanup(func() { _ = engB.Close() })
	svcB, err := NewService(engB, Config{ListenAddr: "127.0.0.1:0", Peers: []string{svcA.ListenAddr()}, Keyfile: "shared-key"})
	require.NoError(t, err)
	require.NoError(t, svcB.Start())
	t.Cleanup(svcB.Stop)

	require.Eventually(t, func() bool {
		db, ok := engB.Database("app")
		if !ok {
			return false
		}
		coll, ok := db.Collection("users")
		return ok && coll.Store().Count() == 1
	}, 15*time.Second, 50*time.Millisecond)
}

func TestSavePeersRoundTrip(t *testing.T) {
	eng, err := engine.Open(t.TempDir(), "node-a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	svc, err := NewService(eng, Config{ListenAddr: "127.0.0.1:0", AdvertiseAddr: "127.0.0.1:9"})
	require.NoError(t, err)
	svc.Peers().Add("10.0.0.9:7700")
	require.NoError(t, svc.SavePeers())

	svc2, err := NewService(eng, Config{ListenAddr: "127.0.0.1:0", AdvertiseAddr: "127.0.0.1:9"})
	require.NoError(t, err)
	require.True(t, svc2.Peers().Known("10.0.0.9:7700"))
}
