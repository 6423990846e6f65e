package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/strata-db/strata-go/cluster"
	"github.com/strata-db/strata-go/rpc/common"
	"github.com/strata-db/strata-go/rpc/retry"
	"github.com/strata-db/strata-go/rpc/transport"
)

var Logger = logger.GetLogger("client")

// Client is the top-level handle to a cluster. It owns the RPC engine,
// the master proxy and the tablet location cache; all of them are safe for
// concurrent use, so one Client is meant to be shared per process.
type Client struct {
	config    *common.ClientConfig
	messenger *transport.Messenger
	proxy     *cluster.MasterProxy
	metaCache *cluster.MetaCache
}

// Connect creates a client for the masters named in the config and
// verifies that a leader is reachable.
func Connect(config *common.ClientConfig) (*Client, error) {
	masters, err := common.ParseHostPorts(strings.Join(config.MasterAddrs, ","), common.DefaultMasterPort)
	if err != nil {
		return nil, err
	}
	if len(masters) == 0 {
		return nil, fmt.Errorf("no master addresses configured")
	}

	m := transport.NewMessenger(transport.DefaultOptions(config))
	proxy := cluster.NewMasterProxy(m, masters)

	c := &Client{
		config:    config,
		messenger: m,
		proxy:     proxy,
		metaCache: cluster.NewMetaCache(proxy),
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout())
	defer cancel()
	if _, err := proxy.Leader(ctx, time.Now().Add(config.Timeout())); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	Logger.Infof("connected to cluster via masters %v", config.MasterAddrs)
	return c, nil
}

// Close releases all connections. The client must not be used afterwards.
func (c *Client) Close() {
	c.messenger.Close()
}

// MetaCache exposes the tablet location cache, mainly for diagnostics.
func (c *Client) MetaCache() *cluster.MetaCache {
	return c.metaCache
}

// adminCtx applies the admin timeout when the caller did not set one.
func (c *Client) adminCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.AdminTimeout())
}

// CreateTable creates a table and blocks until the cluster reports the
// creation complete.
func (c *Client) CreateTable(ctx context.Context, name string, schema []byte, numReplicas int32) (*Table, error) {
	ctx, cancel := c.adminCtx(ctx)
	defer cancel()

	resp, err := c.proxy.Send(ctx, common.NewCreateTableRequest(name, schema, numReplicas))
	if err != nil {
		return nil, fmt.Errorf("failed to create table %q: %w", name, err)
	}
	tableID := resp.TableID

	if err := c.waitDDL(ctx, common.NewIsCreateTableDoneRequest(tableID)); err != nil {
		return nil, fmt.Errorf("failed waiting for table %q creation: %w", name, err)
	}

	Logger.Infof("created table %q (%s)", name, tableID)
	return &Table{client: c, id: tableID, name: name}, nil
}

// AlterTable submits a schema change and blocks until it completes.
func (c *Client) AlterTable(ctx context.Context, tableID string, schema []byte) error {
	ctx, cancel := c.adminCtx(ctx)
	defer cancel()

	if _, err := c.proxy.Send(ctx, common.NewAlterTableRequest(tableID, schema)); err != nil {
		return fmt.Errorf("failed to alter table %s: %w", tableID, err)
	}
	if err := c.waitDDL(ctx, common.NewIsAlterTableDoneRequest(tableID)); err != nil {
		return fmt.Errorf("failed waiting for table %s alteration: %w", tableID, err)
	}

	// The cached locations may describe the pre-alteration layout.
	c.metaCache.InvalidateTable(tableID)
	return nil
}

// DeleteTable removes the table with the given name.
func (c *Client) DeleteTable(ctx context.Context, name string) error {
	ctx, cancel := c.adminCtx(ctx)
	defer cancel()

	if _, err := c.proxy.Send(ctx, common.NewDeleteTableRequest(name)); err != nil {
		return fmt.Errorf("failed to delete table %q: %w", name, err)
	}
	Logger.Infof("deleted table %q", name)
	return nil
}

// waitDDL polls an IsDone operation until the cluster reports completion.
func (c *Client) waitDDL(ctx context.Context, req *common.Message) error {
	backoff := retry.NewBackoff(50*time.Millisecond, 5*time.Second)
	_, err := retry.WithBackoff(ctx, backoff, func(ctx context.Context, deadline time.Time, cause retry.Cause) (struct{}, error) {
		resp, err := c.proxy.Send(ctx, req)
		if err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		if !resp.Done {
			return struct{}{}, fmt.Errorf("operation still pending")
		}
		return struct{}{}, nil
	})
	return err
}

// ListTables returns name and id of every table whose name starts with
// filter. An empty filter lists everything.
func (c *Client) ListTables(ctx context.Context, filter string) ([]common.TableInfo, error) {
	ctx, cancel := c.adminCtx(ctx)
	defer cancel()

	resp, err := c.proxy.Send(ctx, common.NewListTablesRequest(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return resp.Tables, nil
}

// ListMasters returns all masters with their current roles.
func (c *Client) ListMasters(ctx context.Context) ([]common.ServerInfo, error) {
	ctx, cancel := c.adminCtx(ctx)
	defer cancel()

	resp, err := c.proxy.Send(ctx, common.NewListMastersRequest())
	if err != nil {
		return nil, fmt.Errorf("failed to list masters: %w", err)
	}
	return resp.Servers, nil
}

// ListTabletServers returns all live tablet servers.
func (c *Client) ListTabletServers(ctx context.Context) ([]common.ServerInfo, error) {
	ctx, cancel := c.adminCtx(ctx)
	defer cancel()

	resp, err := c.proxy.Send(ctx, common.NewListTabletServersRequest())
	if err != nil {
		return nil, fmt.Errorf("failed to list tablet servers: %w", err)
	}
	return resp.Servers, nil
}

// OpenTable resolves a table name to a handle for data operations.
func (c *Client) OpenTable(ctx context.Context, name string) (*Table, error) {
	tables, err := c.ListTables(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		if t.Name == name {
			return &Table{client: c, id: t.ID, name: t.Name}, nil
		}
	}
	return nil, fmt.Errorf("table %q not found", name)
}
