package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/strata-db/strata-go/rpc/common"
	"github.com/strata-db/strata-go/rpc/retry"
	"github.com/strata-db/strata-go/rpc/transport"
)

var Logger = logger.GetLogger("cluster")

var (
	metricLeaderDiscoveries = metrics.NewCounter("strata_master_leader_discoveries_total")
	metricLeaderInvalidated = metrics.NewCounter("strata_master_leader_invalidations_total")
)

// --------------------------------------------------------------------------
// Master proxy
// --------------------------------------------------------------------------

// MasterProxy routes RPCs to the leader of the master quorum. The leader
// is discovered by probing the masters in turn, previously known leader
// first, and cached until a call fails with a not-leader or connection
// error, at which point the cache is dropped and the next call
// re-discovers. Concurrent callers needing discovery share a single probe
// round.
type MasterProxy struct {
	messenger *transport.Messenger
	masters   []common.HostPort

	// Backoff bounds for retry loops driven by this proxy.
	retryInitial time.Duration
	retryMax     time.Duration

	mu      sync.Mutex
	leader  *common.HostPort
	pending *leaderProbe
	// lastLeader survives invalidation and orders the next probe round.
	lastLeader *common.HostPort
}

// leaderProbe is one shared in-flight discovery round.
type leaderProbe struct {
	done chan struct{}
	addr common.HostPort
	err  error
}

// NewMasterProxy creates a proxy over the given master endpoints.
func NewMasterProxy(m *transport.Messenger, masters []common.HostPort) *MasterProxy {
	return &MasterProxy{
		messenger:    m,
		masters:      masters,
		retryInitial: 50 * time.Millisecond,
		retryMax:     5 * time.Second,
	}
}

// Masters returns the configured master endpoints.
func (p *MasterProxy) Masters() []common.HostPort {
	return p.masters
}

// Leader returns the cached leader endpoint, discovering it first if
// needed.
func (p *MasterProxy) Leader(ctx context.Context, deadline time.Time) (common.HostPort, error) {
	p.mu.Lock()
	if p.leader != nil {
		addr := *p.leader
		p.mu.Unlock()
		return addr, nil
	}

	if p.pending != nil {
		probe := p.pending
		p.mu.Unlock()
		select {
		case <-probe.done:
			return probe.addr, probe.err
		case <-ctx.Done():
			return common.HostPort{}, ctx.Err()
		}
	}

	probe := &leaderProbe{done: make(chan struct{})}
	p.pending = probe
	p.mu.Unlock()

	addr, err := p.discoverLeader(ctx, deadline)

	p.mu.Lock()
	p.pending = nil
	if err == nil {
		leader := addr
		p.leader = &leader
		p.lastLeader = &leader
	}
	p.mu.Unlock()

	probe.addr = addr
	probe.err = err
	close(probe.done)
	return addr, err
}

// InvalidateLeader drops the cached leader so the next call re-discovers.
func (p *MasterProxy) InvalidateLeader() {
	p.mu.Lock()
	if p.leader != nil {
		Logger.Infof("dropping cached master leader %s", p.leader)
		p.leader = nil
		metricLeaderInvalidated.Inc()
	}
	p.mu.Unlock()
}

// discoverLeader probes the masters in turn with ConnectToMaster, starting
// with the most recently known leader, and returns the first endpoint
// reporting itself leader. Unreachable masters and followers are skipped;
// only a round with no leader at all fails.
func (p *MasterProxy) discoverLeader(ctx context.Context, deadline time.Time) (common.HostPort, error) {
	metricLeaderDiscoveries.Inc()

	p.mu.Lock()
	order := make([]common.HostPort, 0, len(p.masters))
	if p.lastLeader != nil {
		order = append(order, *p.lastLeader)
	}
	for _, addr := range p.masters {
		if p.lastLeader != nil && addr == *p.lastLeader {
			continue
		}
		order = append(order, addr)
	}
	p.mu.Unlock()

	var lastErr error
	for _, addr := range order {
		if err := ctx.Err(); err != nil {
			return common.HostPort{}, err
		}
		resp, err := p.messenger.SendReq(ctx, addr, common.NewConnectToMasterRequest(), deadline)
		if err != nil {
			Logger.Debugf("master %s unreachable during discovery: %v", addr, err)
			lastErr = err
			continue
		}
		if resp.Role == common.RoleLeader {
			Logger.Infof("discovered master leader %s", addr)
			return addr, nil
		}
	}

	if lastErr != nil {
		return common.HostPort{}, fmt.Errorf("no master leader found: %w", lastErr)
	}
	return common.HostPort{}, fmt.Errorf("no master reported itself leader")
}

// Send sends a master RPC to the leader, retrying with backoff across
// leader changes and transient failures until the context gives up.
func (p *MasterProxy) Send(ctx context.Context, req *common.Message) (*common.Message, error) {
	backoff := retry.NewBackoff(p.retryInitial, p.retryMax)
	return retry.WithBackoff(ctx, backoff, func(ctx context.Context, deadline time.Time, cause retry.Cause) (*common.Message, error) {
		if cause.Err != nil && retryableMasterError(cause.Err) {
			p.InvalidateLeader()
		}

		leader, err := p.Leader(ctx, deadline)
		if err != nil {
			return nil, err
		}

		resp, err := p.messenger.SendReq(ctx, leader, req, deadline)
		if err != nil {
			if !retryableMasterError(err) {
				return nil, retry.Permanent(err)
			}
			// Invalidate immediately too, so concurrent callers do not
			// keep hammering a dead or demoted leader.
			p.InvalidateLeader()
		}
		return resp, err
	})
}

// retryableMasterError reports whether the failure means the cached leader
// should be dropped and the call retried elsewhere.
func retryableMasterError(err error) bool {
	if common.IsNotLeader(err) {
		return true
	}
	var connErr *common.ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	if errors.Is(err, common.ErrTimedOut) {
		return true
	}
	var remoteErr *common.RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Code == common.CodeServerBusy
	}
	return false
}
