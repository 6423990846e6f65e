package minicluster

import (
	"fmt"
	"strings"
	"sync"

	"github.com/strata-db/strata-go/rpc/common"
	"github.com/strata-db/strata-go/rpc/serializer"
)

// --------------------------------------------------------------------------
// Cluster
// --------------------------------------------------------------------------

// Options configures a Cluster.
type Options struct {
	// Masters is the number of master nodes. Exactly one is leader at a
	// time; the others answer most requests with a not-leader error.
	Masters int
	// TabletServers is the number of tablet server nodes.
	TabletServers int
	// TabletsPerTable is how many tablets a created table is split into.
	TabletsPerTable int
	// DDLDonePolls is how many times IsCreateTableDone / IsAlterTableDone
	// reports false before flipping to true. Zero means immediately done.
	DDLDonePolls int
	// Serializer must match the one the client under test uses.
	Serializer serializer.IRPCSerializer
}

// DefaultOptions returns a small but fully functional cluster layout.
func DefaultOptions() Options {
	return Options{
		Masters:         3,
		TabletServers:   3,
		TabletsPerTable: 4,
		DDLDonePolls:    0,
		Serializer:      serializer.NewJSONSerializer(),
	}
}

// table is one catalog entry with its tablet assignment and the pending
// poll counters driving the IsDone operations.
type table struct {
	id          string
	name        string
	schema      []byte
	numReplicas int32
	tablets     []common.TabletLocations

	createPollsLeft int
	alterPollsLeft  int
}

// Cluster is an in-process cluster: a set of master servers sharing one
// catalog plus a set of tablet servers sharing one data plane. It exists
// for tests and for local experimentation via the CLI.
type Cluster struct {
	opts Options

	masters  []*Server
	tservers []*Server

	mu          sync.Mutex
	leader      int
	tables      map[string]*table // by table id
	nextTableID int
	writes      map[string]int             // rows written, by table id
	requests    map[common.MessageType]int // handled requests, by type
}

// NewCluster starts all nodes on ephemeral localhost ports.
func NewCluster(opts Options) (*Cluster, error) {
	if opts.Masters < 1 || opts.TabletServers < 1 {
		return nil, fmt.Errorf("cluster needs at least one master and one tablet server")
	}
	if opts.TabletsPerTable < 1 {
		opts.TabletsPerTable = 1
	}
	if opts.Serializer == nil {
		opts.Serializer = serializer.NewJSONSerializer()
	}

	c := &Cluster{
		opts:     opts,
		tables:   map[string]*table{},
		writes:   map[string]int{},
		requests: map[common.MessageType]int{},
	}

	for i := 0; i < opts.Masters; i++ {
		idx := i
		srv, err := NewServer(opts.Serializer, func(req *common.Message) (*common.Message, *common.RemoteError) {
			return c.handleMaster(idx, req)
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		c.masters = append(c.masters, srv)
	}

	for i := 0; i < opts.TabletServers; i++ {
		idx := i
		srv, err := NewServer(opts.Serializer, func(req *common.Message) (*common.Message, *common.RemoteError) {
			return c.handleTabletServer(idx, req)
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		c.tservers = append(c.tservers, srv)
	}

	Logger.Infof("cluster up: %d masters, %d tablet servers", opts.Masters, opts.TabletServers)
	return c, nil
}

// Close stops every node.
func (c *Cluster) Close() {
	for _, s := range c.masters {
		s.Close()
	}
	for _, s := range c.tservers {
		s.Close()
	}
}

// MasterAddrs returns the endpoints of all masters.
func (c *Cluster) MasterAddrs() []common.HostPort {
	addrs := make([]common.HostPort, 0, len(c.masters))
	for _, s := range c.masters {
		addrs = append(addrs, s.Addr())
	}
	return addrs
}

// LeaderAddr returns the current leader master's endpoint.
func (c *Cluster) LeaderAddr() common.HostPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masters[c.leader].Addr()
}

// SetLeader moves master leadership to the given index.
func (c *Cluster) SetLeader(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leader = idx
	Logger.Infof("master leadership moved to %s", c.masters[idx].Addr())
}

// StopMaster severs the master at the given index. It keeps answering
// nothing: connections to it fail.
func (c *Cluster) StopMaster(idx int) {
	c.masters[idx].Close()
}

// WriteCount returns how many rows have been written to the table.
func (c *Cluster) WriteCount(tableID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[tableID]
}

// RequestCount returns how many requests of the given type the cluster's
// nodes have handled so far.
func (c *Cluster) RequestCount(t common.MessageType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[t]
}

// RotateTabletLeaders moves every tablet's leadership of the table to the
// next replica in its list. The previous leader starts answering writes
// with a not-leader error.
func (c *Cluster) RotateTabletLeaders(tableID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[tableID]
	if !ok {
		return
	}
	for ti := range t.tablets {
		replicas := t.tablets[ti].Replicas
		cur := 0
		for ri := range replicas {
			if replicas[ri].Role == common.RoleLeader {
				cur = ri
			}
			replicas[ri].Role = common.RoleFollower
		}
		replicas[(cur+1)%len(replicas)].Role = common.RoleLeader
	}
	Logger.Infof("rotated tablet leaders for table %s", tableID)
}

// --------------------------------------------------------------------------
// Master handlers
// --------------------------------------------------------------------------

func (c *Cluster) handleMaster(idx int, req *common.Message) (*common.Message, *common.RemoteError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[req.MsgType]++

	// ConnectToMaster is answered by every master; it is how clients find
	// the leader in the first place.
	if req.MsgType == common.MsgTConnectToMaster {
		role := common.RoleFollower
		if idx == c.leader {
			role = common.RoleLeader
		}
		return common.NewConnectToMasterResponse(role), nil
	}
	if req.MsgType == common.MsgTPing {
		return common.NewPingRequest(), nil
	}

	if idx != c.leader {
		return nil, &common.RemoteError{
			Code:    common.CodeNotLeader,
			Message: fmt.Sprintf("master %s is not the leader", c.masters[idx].Addr()),
		}
	}

	switch req.MsgType {
	case common.MsgTCreateTable:
		return c.createTable(req)
	case common.MsgTIsCreateTableDone:
		t, ok := c.tables[req.TableID]
		if !ok {
			return nil, tableNotFound(req.TableID)
		}
		if t.createPollsLeft > 0 {
			t.createPollsLeft--
			return common.NewIsCreateTableDoneResponse(false), nil
		}
		return common.NewIsCreateTableDoneResponse(true), nil
	case common.MsgTAlterTable:
		t, ok := c.tables[req.TableID]
		if !ok {
			return nil, tableNotFound(req.TableID)
		}
		t.schema = req.Schema
		t.alterPollsLeft = c.opts.DDLDonePolls
		return common.NewAlterTableResponse(t.id), nil
	case common.MsgTIsAlterTableDone:
		t, ok := c.tables[req.TableID]
		if !ok {
			return nil, tableNotFound(req.TableID)
		}
		if t.alterPollsLeft > 0 {
			t.alterPollsLeft--
			return common.NewIsAlterTableDoneResponse(false), nil
		}
		return common.NewIsAlterTableDoneResponse(true), nil
	case common.MsgTDeleteTable:
		for id, t := range c.tables {
			if t.name == req.TableName {
				delete(c.tables, id)
				return common.NewDeleteTableResponse(), nil
			}
		}
		return nil, &common.RemoteError{
			Code:    common.CodeTableNotFound,
			Message: fmt.Sprintf("no table named %q", req.TableName),
		}
	case common.MsgTListTables:
		var infos []common.TableInfo
		for _, t := range c.tables {
			if req.NameFilter == "" || strings.HasPrefix(t.name, req.NameFilter) {
				infos = append(infos, common.TableInfo{Name: t.name, ID: t.id})
			}
		}
		return common.NewListTablesResponse(infos), nil
	case common.MsgTGetTableLocations:
		return c.getTableLocations(req)
	case common.MsgTListMasters:
		var infos []common.ServerInfo
		for i, s := range c.masters {
			role := common.RoleFollower
			if i == c.leader {
				role = common.RoleLeader
			}
			infos = append(infos, common.ServerInfo{
				ID:   fmt.Sprintf("master-%d", i),
				Addr: s.Addr().String(),
				Role: role,
			})
		}
		return common.NewListMastersResponse(infos), nil
	case common.MsgTListTabletServers:
		var infos []common.ServerInfo
		for i, s := range c.tservers {
			infos = append(infos, common.ServerInfo{
				ID:   fmt.Sprintf("tserver-%d", i),
				Addr: s.Addr().String(),
			})
		}
		return common.NewListTabletServersResponse(infos), nil
	default:
		return nil, &common.RemoteError{
			Code:    common.CodeApplicationError,
			Message: fmt.Sprintf("master cannot handle %s", req.MsgType),
		}
	}
}

func (c *Cluster) createTable(req *common.Message) (*common.Message, *common.RemoteError) {
	for _, t := range c.tables {
		if t.name == req.TableName {
			return nil, &common.RemoteError{
				Code:    common.CodeTableAlreadyExists,
				Message: fmt.Sprintf("table %q already exists", req.TableName),
			}
		}
	}

	c.nextTableID++
	t := &table{
		id:              fmt.Sprintf("table-%04d", c.nextTableID),
		name:            req.TableName,
		schema:          req.Schema,
		numReplicas:     req.NumReplicas,
		createPollsLeft: c.opts.DDLDonePolls,
	}

	// Split the single-byte keyspace into contiguous ranges. The first
	// tablet is unbounded below, the last unbounded above.
	n := c.opts.TabletsPerTable
	numReplicas := int(req.NumReplicas)
	if numReplicas < 1 || numReplicas > len(c.tservers) {
		numReplicas = len(c.tservers)
	}
	for i := 0; i < n; i++ {
		var lower, upper []byte
		if i > 0 {
			lower = []byte{byte(i * 256 / n)}
		}
		if i < n-1 {
			upper = []byte{byte((i + 1) * 256 / n)}
		}

		var replicas []common.Replica
		for r := 0; r < numReplicas; r++ {
			srvIdx := (i + r) % len(c.tservers)
			role := common.RoleFollower
			if r == 0 {
				role = common.RoleLeader
			}
			replicas = append(replicas, common.Replica{
				ServerID: fmt.Sprintf("tserver-%d", srvIdx),
				Addr:     c.tservers[srvIdx].Addr().String(),
				Role:     role,
			})
		}

		t.tablets = append(t.tablets, common.TabletLocations{
			TabletID:   fmt.Sprintf("%s-tablet-%d", t.id, i),
			LowerBound: lower,
			UpperBound: upper,
			Replicas:   replicas,
		})
	}

	c.tables[t.id] = t
	Logger.Infof("created table %q (%s) with %d tablets", t.name, t.id, n)
	return common.NewCreateTableResponse(t.id), nil
}

func (c *Cluster) getTableLocations(req *common.Message) (*common.Message, *common.RemoteError) {
	t, ok := c.tables[req.TableID]
	if !ok {
		return nil, tableNotFound(req.TableID)
	}

	// Return all tablets at or after the requested key.
	var out []common.TabletLocations
	for _, tl := range t.tablets {
		if len(tl.UpperBound) > 0 && len(req.PartitionKey) > 0 && string(tl.UpperBound) <= string(req.PartitionKey) {
			continue
		}
		out = append(out, tl)
	}
	return common.NewGetTableLocationsResponse(out), nil
}

// --------------------------------------------------------------------------
// Tablet server handlers
// --------------------------------------------------------------------------

func (c *Cluster) handleTabletServer(idx int, req *common.Message) (*common.Message, *common.RemoteError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[req.MsgType]++

	switch req.MsgType {
	case common.MsgTPing:
		return common.NewPingRequest(), nil
	case common.MsgTWrite:
		t, ok := c.tables[req.TableID]
		if !ok {
			return nil, tableNotFound(req.TableID)
		}

		addr := c.tservers[idx].Addr().String()
		for _, tl := range t.tablets {
			if !coversKey(&tl, req.PartitionKey) {
				continue
			}
			for _, r := range tl.Replicas {
				if r.Addr != addr {
					continue
				}
				if r.Role != common.RoleLeader {
					return nil, &common.RemoteError{
						Code:    common.CodeNotLeader,
						Message: fmt.Sprintf("replica on %s is not the leader of %s", addr, tl.TabletID),
					}
				}
				c.writes[t.id]++
				return common.NewWriteResponse(), nil
			}
		}
		return nil, &common.RemoteError{
			Code:    common.CodeApplicationError,
			Message: fmt.Sprintf("no replica for key on %s", addr),
		}
	default:
		return nil, &common.RemoteError{
			Code:    common.CodeApplicationError,
			Message: fmt.Sprintf("tablet server cannot handle %s", req.MsgType),
		}
	}
}

func coversKey(tl *common.TabletLocations, key []byte) bool {
	if len(tl.LowerBound) > 0 && string(key) < string(tl.LowerBound) {
		return false
	}
	if len(tl.UpperBound) > 0 && string(key) >= string(tl.UpperBound) {
		return false
	}
	return true
}

func tableNotFound(id string) *common.RemoteError {
	return &common.RemoteError{
		Code:    common.CodeTableNotFound,
		Message: fmt.Sprintf("no table with id %q", id),
	}
}
