package cluster

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/strata-db/strata-go/rpc/common"
)

var (
	metricMetaCacheHits    = metrics.NewCounter("strata_metacache_hits_total")
	metricMetaCacheMisses  = metrics.NewCounter("strata_metacache_misses_total")
	metricMetaCacheEvicted = metrics.NewCounter("strata_metacache_evictions_total")
)

// --------------------------------------------------------------------------
// Meta cache
// --------------------------------------------------------------------------

// MetaCache caches tablet locations per table. Entries are kept sorted by
// lower bound and never overlap: freshly fetched locations evict any stale
// entries whose ranges intersect them. Lookups that miss trigger one
// GetTableLocations RPC to the master leader; concurrent misses for the
// same table await that RPC and re-check the cache, since the fetched
// batch usually covers their keys too.
type MetaCache struct {
	proxy  *MasterProxy
	tables *xsync.MapOf[string, *tableCache]
}

// tableCache holds the cached tablets of one table.
type tableCache struct {
	mu sync.Mutex
	// Sorted by LowerBound, non-overlapping. An empty LowerBound sorts
	// first, an empty UpperBound is unbounded above.
	entries []common.TabletLocations
	// The in-flight lookup, if any. At most one location RPC per table is
	// on the wire at a time; a thundering herd of misses becomes one RPC.
	pending *lookup
}

type lookup struct {
	done chan struct{}
	err  error
}

// NewMetaCache creates a cache backed by the given master proxy.
func NewMetaCache(proxy *MasterProxy) *MetaCache {
	return &MetaCache{
		proxy:  proxy,
		tables: xsync.NewMapOf[string, *tableCache](),
	}
}

func (mc *MetaCache) tableCacheFor(tableID string) *tableCache {
	tc, _ := mc.tables.LoadOrCompute(tableID, func() *tableCache {
		return &tableCache{}
	})
	return tc
}

// LookupTablet returns the tablet whose range covers key, fetching
// locations from the master on a cache miss.
func (mc *MetaCache) LookupTablet(ctx context.Context, tableID string, key []byte) (*common.TabletLocations, error) {
	tc := mc.tableCacheFor(tableID)

	missed := false
	for {
		tc.mu.Lock()
		if tl, ok := tc.find(key); ok {
			tc.mu.Unlock()
			if !missed {
				metricMetaCacheHits.Inc()
			}
			return tl, nil
		}
		if !missed {
			missed = true
			metricMetaCacheMisses.Inc()
		}

		// A lookup for this table is already on the wire. Its merged
		// result usually covers this key too, so await it and re-check
		// instead of issuing a second RPC for an overlapping range.
		if l := tc.pending; l != nil {
			tc.mu.Unlock()
			select {
			case <-l.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if l.err != nil {
				return nil, l.err
			}
			continue
		}

		l := &lookup{done: make(chan struct{})}
		tc.pending = l
		tc.mu.Unlock()

		resp, err := mc.proxy.Send(ctx, common.NewGetTableLocationsRequest(tableID, key))

		tc.mu.Lock()
		tc.pending = nil
		if err == nil {
			tc.merge(resp.Tablets)
		}
		l.err = err
		tc.mu.Unlock()
		close(l.done)

		if err != nil {
			return nil, err
		}

		tc.mu.Lock()
		tl, ok := tc.find(key)
		tc.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no tablet covers the requested key")
		}
		return tl, nil
	}
}

// LeaderReplica returns the address of the leader replica of the tablet
// covering key.
func (mc *MetaCache) LeaderReplica(ctx context.Context, tableID string, key []byte) (common.HostPort, string, error) {
	tl, err := mc.LookupTablet(ctx, tableID, key)
	if err != nil {
		return common.HostPort{}, "", err
	}
	for _, r := range tl.Replicas {
		if r.Role == common.RoleLeader {
			addr, err := common.ParseHostPort(r.Addr, 0)
			if err != nil {
				return common.HostPort{}, "", err
			}
			return addr, tl.TabletID, nil
		}
	}
	return common.HostPort{}, "", fmt.Errorf("tablet %s has no leader replica", tl.TabletID)
}

// ClosestReplica returns the address of a replica of the tablet covering
// key, preferring one on the local machine. Used for reads that tolerate
// follower data; writes always go through LeaderReplica.
func (mc *MetaCache) ClosestReplica(ctx context.Context, tableID string, key []byte, local *common.LocalAddrs) (common.HostPort, string, error) {
	tl, err := mc.LookupTablet(ctx, tableID, key)
	if err != nil {
		return common.HostPort{}, "", err
	}

	var leader *common.Replica
	for i := range tl.Replicas {
		r := &tl.Replicas[i]
		if r.Role == common.RoleLeader {
			leader = r
		}
		if local == nil {
			continue
		}
		addr, err := common.ParseHostPort(r.Addr, 0)
		if err != nil {
			continue
		}
		if local.IsLocal(addr.Host) {
			return addr, tl.TabletID, nil
		}
	}
	if leader == nil {
		return common.HostPort{}, "", fmt.Errorf("tablet %s has no leader replica", tl.TabletID)
	}
	addr, err := common.ParseHostPort(leader.Addr, 0)
	if err != nil {
		return common.HostPort{}, "", err
	}
	return addr, tl.TabletID, nil
}

// InvalidateTablet drops one tablet's cached entry, typically after a
// replica answered with a not-leader error.
func (mc *MetaCache) InvalidateTablet(tableID, tabletID string) {
	tc, ok := mc.tables.Load(tableID)
	if !ok {
		return
	}
	tc.mu.Lock()
	for i := range tc.entries {
		if tc.entries[i].TabletID == tabletID {
			tc.entries = append(tc.entries[:i], tc.entries[i+1:]...)
			metricMetaCacheEvicted.Inc()
			break
		}
	}
	tc.mu.Unlock()
	Logger.Debugf("invalidated tablet %s of table %s", tabletID, tableID)
}

// InvalidateTable drops everything cached for the table.
func (mc *MetaCache) InvalidateTable(tableID string) {
	mc.tables.Delete(tableID)
	Logger.Debugf("invalidated table %s", tableID)
}

// CachedTablets returns a snapshot of the cached entries of a table, in
// range order.
func (mc *MetaCache) CachedTablets(tableID string) []common.TabletLocations {
	tc, ok := mc.tables.Load(tableID)
	if !ok {
		return nil
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]common.TabletLocations, len(tc.entries))
	copy(out, tc.entries)
	return out
}

// find returns the cached tablet covering key. Caller holds tc.mu.
func (tc *tableCache) find(key []byte) (*common.TabletLocations, bool) {
	// First entry whose range could still contain the key: the last one
	// with LowerBound <= key.
	idx := sort.Search(len(tc.entries), func(i int) bool {
		return bytes.Compare(tc.entries[i].LowerBound, key) > 0
	}) - 1
	if idx < 0 {
		return nil, false
	}
	e := &tc.entries[idx]
	if len(e.UpperBound) > 0 && bytes.Compare(key, e.UpperBound) >= 0 {
		return nil, false
	}
	out := *e
	return &out, true
}

// merge inserts freshly fetched tablets, evicting any cached entry whose
// range overlaps a new one. Caller holds tc.mu.
func (tc *tableCache) merge(tablets []common.TabletLocations) {
	for _, tl := range tablets {
		kept := tc.entries[:0]
		for _, e := range tc.entries {
			if rangesOverlap(e.LowerBound, e.UpperBound, tl.LowerBound, tl.UpperBound) {
				metricMetaCacheEvicted.Inc()
				continue
			}
			kept = append(kept, e)
		}
		tc.entries = append(kept, tl)
	}
	sort.Slice(tc.entries, func(i, j int) bool {
		return bytes.Compare(tc.entries[i].LowerBound, tc.entries[j].LowerBound) < 0
	})
}

// rangesOverlap reports whether [aLo, aHi) and [bLo, bHi) intersect, with
// empty upper bounds meaning unbounded.
func rangesOverlap(aLo, aHi, bLo, bHi []byte) bool {
	if len(aHi) > 0 && bytes.Compare(aHi, bLo) <= 0 {
		return false
	}
	if len(bHi) > 0 && bytes.Compare(bHi, aLo) <= 0 {
		return false
	}
	return true
}
