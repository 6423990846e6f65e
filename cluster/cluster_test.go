package cluster_test

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/strata-db/strata-go/cluster"
	"github.com/strata-db/strata-go/minicluster"
	"github.com/strata-db/strata-go/rpc/common"
	"github.com/strata-db/strata-go/rpc/serializer"
	"github.com/strata-db/strata-go/rpc/transport"
)

func testMessenger() *transport.Messenger {
	return transport.NewMessenger(&transport.Options{
		Reactors:    2,
		User:        "test",
		Password:    "test",
		Serializer:  serializer.NewJSONSerializer(),
		DialTimeout: 2 * time.Second,
	})
}

func startCluster(t *testing.T, opts minicluster.Options) *minicluster.Cluster {
	t.Helper()
	c, err := minicluster.NewCluster(opts)
	if err != nil {
		t.Fatalf("failed to start cluster: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func createTable(t *testing.T, proxy *cluster.MasterProxy, name string) string {
	t.Helper()
	resp, err := proxy.Send(context.Background(), common.NewCreateTableRequest(name, []byte("schema"), 3))
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	return resp.TableID
}

// --------------------------------------------------------------------------
// Master proxy
// --------------------------------------------------------------------------

func TestMasterProxyFindsLeader(t *testing.T) {
	mc := startCluster(t, minicluster.DefaultOptions())
	mc.SetLeader(2)

	m := testMessenger()
	defer m.Close()
	proxy := cluster.NewMasterProxy(m, mc.MasterAddrs())

	leader, err := proxy.Leader(context.Background(), time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Leader failed: %v", err)
	}
	if leader != mc.LeaderAddr() {
		t.Errorf("got leader %v, want %v", leader, mc.LeaderAddr())
	}
}

// With two masters unreachable, discovery must still find the remaining
// leader and cache it.
func TestMasterProxySkipsUnreachableMasters(t *testing.T) {
	mc := startCluster(t, minicluster.DefaultOptions())
	mc.SetLeader(2)
	mc.StopMaster(0)
	mc.StopMaster(1)

	m := testMessenger()
	defer m.Close()
	proxy := cluster.NewMasterProxy(m, mc.MasterAddrs())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := proxy.Send(ctx, common.NewListTablesRequest(""))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.MsgType != common.MsgTListTables {
		t.Errorf("unexpected response type %v", resp.MsgType)
	}
}

// After the leadership moves, a not-leader answer must drop the cached
// leader and the retried call must land on the new one.
func TestMasterProxyFollowsLeaderChange(t *testing.T) {
	mc := startCluster(t, minicluster.DefaultOptions())

	m := testMessenger()
	defer m.Close()
	proxy := cluster.NewMasterProxy(m, mc.MasterAddrs())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := proxy.Send(ctx, common.NewListTablesRequest("")); err != nil {
		t.Fatalf("initial Send failed: %v", err)
	}

	mc.SetLeader(1)

	if _, err := proxy.Send(ctx, common.NewListTablesRequest("")); err != nil {
		t.Fatalf("Send after leader change failed: %v", err)
	}
	leader, err := proxy.Leader(ctx, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Leader failed: %v", err)
	}
	if leader != mc.LeaderAddr() {
		t.Errorf("cached leader %v, want new leader %v", leader, mc.LeaderAddr())
	}
}

// Re-discovery after an invalidation must probe the previously known
// leader first: when leadership has not actually moved, one probe
// suffices.
func TestMasterProxyProbesKnownLeaderFirst(t *testing.T) {
	mc := startCluster(t, minicluster.DefaultOptions())
	mc.SetLeader(2)

	m := testMessenger()
	defer m.Close()
	proxy := cluster.NewMasterProxy(m, mc.MasterAddrs())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := proxy.Leader(ctx, time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("Leader failed: %v", err)
	}
	before := mc.RequestCount(common.MsgTConnectToMaster)

	proxy.InvalidateLeader()
	leader, err := proxy.Leader(ctx, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Leader after invalidation failed: %v", err)
	}
	if leader != mc.LeaderAddr() {
		t.Errorf("got leader %v, want %v", leader, mc.LeaderAddr())
	}
	if probes := mc.RequestCount(common.MsgTConnectToMaster) - before; probes != 1 {
		t.Errorf("re-discovery issued %d probes, want 1", probes)
	}
}

func TestMasterProxyPermanentErrorNotRetried(t *testing.T) {
	mc := startCluster(t, minicluster.DefaultOptions())

	m := testMessenger()
	defer m.Close()
	proxy := cluster.NewMasterProxy(m, mc.MasterAddrs())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := proxy.Send(ctx, common.NewDeleteTableRequest("does-not-exist"))
	if err == nil {
		t.Fatal("expected DeleteTable of missing table to fail")
	}
	// A permanent failure must return without burning the whole context
	// budget on retries.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("permanent error took %v, should fail fast", elapsed)
	}
}

// --------------------------------------------------------------------------
// Meta cache
// --------------------------------------------------------------------------

func TestMetaCacheLookupAndHit(t *testing.T) {
	mc := startCluster(t, minicluster.DefaultOptions())

	m := testMessenger()
	defer m.Close()
	proxy := cluster.NewMasterProxy(m, mc.MasterAddrs())
	cache := cluster.NewMetaCache(proxy)

	tableID := createTable(t, proxy, "users")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tl, err := cache.LookupTablet(ctx, tableID, []byte{0x10})
	if err != nil {
		t.Fatalf("LookupTablet failed: %v", err)
	}
	if !covers(tl, []byte{0x10}) {
		t.Errorf("tablet %s does not cover the key", tl.TabletID)
	}

	// Same key again: answered from cache, same tablet.
	again, err := cache.LookupTablet(ctx, tableID, []byte{0x10})
	if err != nil {
		t.Fatalf("cached LookupTablet failed: %v", err)
	}
	if again.TabletID != tl.TabletID {
		t.Errorf("cache returned %s, want %s", again.TabletID, tl.TabletID)
	}
}

func covers(tl *common.TabletLocations, key []byte) bool {
	if bytes.Compare(key, tl.LowerBound) < 0 {
		return false
	}
	return len(tl.UpperBound) == 0 || bytes.Compare(key, tl.UpperBound) < 0
}

// Cached entries must stay sorted and non-overlapping no matter which
// keys are looked up in which order.
func TestMetaCacheEntriesSortedAndDisjoint(t *testing.T) {
	mc := startCluster(t, minicluster.Options{
		Masters:         1,
		TabletServers:   3,
		TabletsPerTable: 8,
		Serializer:      serializer.NewJSONSerializer(),
	})

	m := testMessenger()
	defer m.Close()
	proxy := cluster.NewMasterProxy(m, mc.MasterAddrs())
	cache := cluster.NewMetaCache(proxy)

	tableID := createTable(t, proxy, "events")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		key := []byte{byte(rng.Intn(256))}
		if _, err := cache.LookupTablet(ctx, tableID, key); err != nil {
			t.Fatalf("LookupTablet(%x) failed: %v", key, err)
		}

		entries := cache.CachedTablets(tableID)
		for j := 1; j < len(entries); j++ {
			prev, cur := entries[j-1], entries[j]
			if bytes.Compare(prev.LowerBound, cur.LowerBound) >= 0 {
				t.Fatalf("entries out of order at %d", j)
			}
			if len(prev.UpperBound) == 0 {
				t.Fatalf("unbounded entry %s is not last", prev.TabletID)
			}
			if bytes.Compare(prev.UpperBound, cur.LowerBound) > 0 {
				t.Fatalf("entries %s and %s overlap", prev.TabletID, cur.TabletID)
			}
		}
	}
}

// Concurrent misses for the same key must collapse into exactly one
// location RPC, and all of them must agree on the answer.
func TestMetaCacheSingleFlight(t *testing.T) {
	mc := startCluster(t, minicluster.DefaultOptions())

	m := testMessenger()
	defer m.Close()
	proxy := cluster.NewMasterProxy(m, mc.MasterAddrs())
	cache := cluster.NewMetaCache(proxy)

	tableID := createTable(t, proxy, "metrics")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tl, err := cache.LookupTablet(ctx, tableID, []byte{0x42})
			if err != nil {
				t.Errorf("LookupTablet failed: %v", err)
				return
			}
			ids <- tl.TabletID
		}()
	}
	wg.Wait()
	close(ids)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		} else if id != first {
			t.Errorf("lookups disagree: %s vs %s", first, id)
		}
	}

	if got := mc.RequestCount(common.MsgTGetTableLocations); got != 1 {
		t.Errorf("20 identical lookups issued %d location RPCs, want 1", got)
	}
}

// A miss for a different key in a range an in-flight lookup will cover
// must await that lookup instead of issuing its own RPC.
func TestMetaCacheCoalescesOverlappingLookups(t *testing.T) {
	var (
		mu           sync.Mutex
		locationRPCs int
	)
	release := make(chan struct{})
	tablets := []common.TabletLocations{{
		TabletID: "tablet-a",
		Replicas: []common.Replica{{ServerID: "tserver-0", Addr: "127.0.0.1:1", Role: common.RoleLeader}},
	}}

	srv, err := minicluster.NewServer(serializer.NewJSONSerializer(), func(req *common.Message) (*common.Message, *common.RemoteError) {
		switch req.MsgType {
		case common.MsgTConnectToMaster:
			return common.NewConnectToMasterResponse(common.RoleLeader), nil
		case common.MsgTGetTableLocations:
			mu.Lock()
			locationRPCs++
			first := locationRPCs == 1
			mu.Unlock()
			if first {
				<-release
			}
			return common.NewGetTableLocationsResponse(tablets), nil
		default:
			return nil, &common.RemoteError{Code: common.CodeApplicationError, Message: "unexpected " + req.MsgType.String()}
		}
	})
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer srv.Close()

	m := testMessenger()
	defer m.Close()
	proxy := cluster.NewMasterProxy(m, []common.HostPort{srv.Addr()})
	cache := cluster.NewMetaCache(proxy)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := cache.LookupTablet(ctx, "events", []byte{0x10}); err != nil {
			t.Errorf("first LookupTablet failed: %v", err)
		}
	}()

	// Wait until the first lookup's RPC is held open on the server.
	for deadline := time.Now().Add(5 * time.Second); ; {
		mu.Lock()
		n := locationRPCs
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first location RPC never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := cache.LookupTablet(ctx, "events", []byte{0x20}); err != nil {
			t.Errorf("second LookupTablet failed: %v", err)
		}
	}()

	// Give the second lookup time to either join the pending one or,
	// wrongly, fire an RPC of its own, then let the response through.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if locationRPCs != 1 {
		t.Errorf("overlapping concurrent lookups issued %d location RPCs, want 1", locationRPCs)
	}
}

func TestMetaCacheInvalidateTablet(t *testing.T) {
	mc := startCluster(t, minicluster.DefaultOptions())

	m := testMessenger()
	defer m.Close()
	proxy := cluster.NewMasterProxy(m, mc.MasterAddrs())
	cache := cluster.NewMetaCache(proxy)

	tableID := createTable(t, proxy, "logs")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tl, err := cache.LookupTablet(ctx, tableID, []byte{0x01})
	if err != nil {
		t.Fatalf("LookupTablet failed: %v", err)
	}

	before := len(cache.CachedTablets(tableID))
	cache.InvalidateTablet(tableID, tl.TabletID)
	if after := len(cache.CachedTablets(tableID)); after != before-1 {
		t.Errorf("expected %d entries after invalidation, got %d", before-1, after)
	}

	// The next lookup re-fetches and the key resolves again.
	refetched, err := cache.LookupTablet(ctx, tableID, []byte{0x01})
	if err != nil {
		t.Fatalf("LookupTablet after invalidation failed: %v", err)
	}
	if refetched.TabletID != tl.TabletID {
		t.Errorf("refetched tablet %s, want %s", refetched.TabletID, tl.TabletID)
	}
}

// All minicluster replicas live on loopback, so a local-aware pick must
// find one; without locality information the leader is used.
func TestMetaCacheClosestReplica(t *testing.T) {
	mc := startCluster(t, minicluster.DefaultOptions())

	m := testMessenger()
	defer m.Close()
	proxy := cluster.NewMasterProxy(m, mc.MasterAddrs())
	cache := cluster.NewMetaCache(proxy)

	tableID := createTable(t, proxy, "traces")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	local := common.NewLocalAddrs()
	addr, _, err := cache.ClosestReplica(ctx, tableID, []byte{0x20}, local)
	if err != nil {
		t.Fatalf("ClosestReplica failed: %v", err)
	}
	if !local.IsLocal(addr.Host) {
		t.Errorf("expected a local replica, got %v", addr)
	}

	leaderAddr, _, err := cache.LeaderReplica(ctx, tableID, []byte{0x20})
	if err != nil {
		t.Fatalf("LeaderReplica failed: %v", err)
	}
	noLocal, _, err := cache.ClosestReplica(ctx, tableID, []byte{0x20}, nil)
	if err != nil {
		t.Fatalf("ClosestReplica without locality failed: %v", err)
	}
	if noLocal != leaderAddr {
		t.Errorf("without locality expected leader %v, got %v", leaderAddr, noLocal)
	}
}

func TestMetaCacheLeaderReplica(t *testing.T) {
	mc := startCluster(t, minicluster.DefaultOptions())

	m := testMessenger()
	defer m.Close()
	proxy := cluster.NewMasterProxy(m, mc.MasterAddrs())
	cache := cluster.NewMetaCache(proxy)

	tableID := createTable(t, proxy, "sessions")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr, tabletID, err := cache.LeaderReplica(ctx, tableID, []byte{0x99})
	if err != nil {
		t.Fatalf("LeaderReplica failed: %v", err)
	}
	if tabletID == "" {
		t.Error("expected a tablet id")
	}
	if addr.Port == 0 {
		t.Errorf("leader address %v has no port", addr)
	}
}
