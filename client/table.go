package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/strata-db/strata-go/rpc/common"
	"github.com/strata-db/strata-go/rpc/retry"
)

var metricRowsWritten = metrics.NewCounter("strata_rows_written_total")

// Table is a handle for data operations on one table. It is cheap and
// safe to share; all routing state lives in the client's meta cache.
type Table struct {
	client *Client
	id     string
	name   string
}

// ID returns the table's identifier.
func (t *Table) ID() string { return t.id }

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// Write stores one encoded row under the given partition key. The row is
// routed to the leader replica of the covering tablet; a stale location
// (leadership moved, tablet gone) invalidates the cache entry and the
// write retries against the freshly resolved leader.
func (t *Table) Write(ctx context.Context, key, row []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.client.config.Timeout())
		defer cancel()
	}

	backoff := retry.NewBackoff(20*time.Millisecond, 2*time.Second)
	_, err := retry.WithBackoff(ctx, backoff, func(ctx context.Context, deadline time.Time, cause retry.Cause) (struct{}, error) {
		addr, tabletID, err := t.client.metaCache.LeaderReplica(ctx, t.id, key)
		if err != nil {
			if common.IsNotLeader(err) || retryableWriteError(err) {
				return struct{}{}, err
			}
			return struct{}{}, retry.Permanent(err)
		}

		_, err = t.client.messenger.SendReq(ctx, addr, common.NewWriteRequest(t.id, key, row), deadline)
		if err != nil {
			if common.IsNotLeader(err) {
				Logger.Debugf("write to %s hit stale leader for tablet %s, invalidating", addr, tabletID)
				t.client.metaCache.InvalidateTablet(t.id, tabletID)
				return struct{}{}, err
			}
			if retryableWriteError(err) {
				t.client.metaCache.InvalidateTablet(t.id, tabletID)
				return struct{}{}, err
			}
			return struct{}{}, retry.Permanent(err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to write to table %q: %w", t.name, err)
	}

	metricRowsWritten.Inc()
	return nil
}

// retryableWriteError reports whether a write failure warrants a location
// refresh and another attempt instead of surfacing to the caller.
func retryableWriteError(err error) bool {
	if errors.Is(err, common.ErrTimedOut) {
		return true
	}
	var connErr *common.ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var remoteErr *common.RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Code == common.CodeServerBusy
	}
	return false
}
