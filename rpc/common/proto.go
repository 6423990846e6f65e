package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single protocol message used for both requests and
// responses. Which fields are used depends on the type of message. The
// engine itself never interprets Row or Schema - those are opaque payloads
// produced and consumed by the external marshalling layer.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Request fields
	TableID      string `json:"table_id,omitempty"`      // Used for: GetTableLocations, IsCreateTableDone, AlterTable, IsAlterTableDone, DeleteTable
	TableName    string `json:"table_name,omitempty"`    // Used for: CreateTable, DeleteTable, ListTables lookups
	NameFilter   string `json:"name_filter,omitempty"`   // Used for: ListTables
	PartitionKey []byte `json:"partition_key,omitempty"` // Used for: GetTableLocations, Write
	Row          []byte `json:"row,omitempty"`           // Used for: Write (opaque encoded row)
	Schema       []byte `json:"schema,omitempty"`        // Used for: CreateTable, AlterTable (opaque encoded schema)
	NumReplicas  int32  `json:"num_replicas,omitempty"`  // Used for: CreateTable

	// Response fields
	Done    bool              `json:"done,omitempty"`    // Used for: IsCreateTableDone, IsAlterTableDone
	Role    RaftRole          `json:"role,omitempty"`    // Used for: ConnectToMaster
	Tablets []TabletLocations `json:"tablets,omitempty"` // Used for: GetTableLocations
	Servers []ServerInfo      `json:"servers,omitempty"` // Used for: ListMasters, ListTabletServers
	Tables  []TableInfo       `json:"tables,omitempty"`  // Used for: ListTables
}

// RaftRole is the consensus role a replica reports for itself.
type RaftRole uint8

const (
	RoleUnknown RaftRole = iota
	RoleFollower
	RoleLeader
	RoleLearner
)

// String returns the string representation of a RaftRole.
func (r RaftRole) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleLeader:
		return "leader"
	case RoleLearner:
		return "learner"
	default:
		return "unknown"
	}
}

// Replica is one replica of a tablet: where it lives and what role it
// currently reports.
type Replica struct {
	ServerID string   `json:"server_id"`
	Addr     string   `json:"addr"`
	Role     RaftRole `json:"role"`
}

// TabletLocations describes one tablet: its partition-key range and the
// ordered replica list. LowerBound is inclusive, UpperBound exclusive; an
// empty UpperBound means unbounded.
type TabletLocations struct {
	TabletID   string    `json:"tablet_id"`
	LowerBound []byte    `json:"lower_bound"`
	UpperBound []byte    `json:"upper_bound"`
	Replicas   []Replica `json:"replicas"`
}

// ServerInfo describes a master or tablet server in listing responses.
type ServerInfo struct {
	ID   string   `json:"id"`
	Addr string   `json:"addr"`
	Role RaftRole `json:"role"`
}

// TableInfo pairs a table name with its identifier.
type TableInfo struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewPingRequest creates a new Ping request
func NewPingRequest() *Message {
	return &Message{MsgType: MsgTPing}
}

// NewConnectToMasterRequest creates a new ConnectToMaster request
func NewConnectToMasterRequest() *Message {
	return &Message{MsgType: MsgTConnectToMaster}
}

// NewConnectToMasterResponse creates a new ConnectToMaster response
func NewConnectToMasterResponse(role RaftRole) *Message {
	return &Message{MsgType: MsgTConnectToMaster, Role: role}
}

// NewGetTableLocationsRequest creates a new GetTableLocations request.
// key may be nil to request locations from the start of the table.
func NewGetTableLocationsRequest(tableID string, key []byte) *Message {
	return &Message{MsgType: MsgTGetTableLocations, TableID: tableID, PartitionKey: key}
}

// NewGetTableLocationsResponse creates a new GetTableLocations response
func NewGetTableLocationsResponse(tablets []TabletLocations) *Message {
	return &Message{MsgType: MsgTGetTableLocations, Tablets: tablets}
}

// NewCreateTableRequest creates a new CreateTable request
func NewCreateTableRequest(name string, schema []byte, numReplicas int32) *Message {
	return &Message{MsgType: MsgTCreateTable, TableName: name, Schema: schema, NumReplicas: numReplicas}
}

// NewCreateTableResponse creates a new CreateTable response
func NewCreateTableResponse(tableID string) *Message {
	return &Message{MsgType: MsgTCreateTable, TableID: tableID}
}

// NewIsCreateTableDoneRequest creates a new IsCreateTableDone request
func NewIsCreateTableDoneRequest(tableID string) *Message {
	return &Message{MsgType: MsgTIsCreateTableDone, TableID: tableID}
}

// NewIsCreateTableDoneResponse creates a new IsCreateTableDone response
func NewIsCreateTableDoneResponse(done bool) *Message {
	return &Message{MsgType: MsgTIsCreateTableDone, Done: done}
}

// NewAlterTableRequest creates a new AlterTable request
func NewAlterTableRequest(tableID string, schema []byte) *Message {
	return &Message{MsgType: MsgTAlterTable, TableID: tableID, Schema: schema}
}

// NewAlterTableResponse creates a new AlterTable response
func NewAlterTableResponse(tableID string) *Message {
	return &Message{MsgType: MsgTAlterTable, TableID: tableID}
}

// NewIsAlterTableDoneRequest creates a new IsAlterTableDone request
func NewIsAlterTableDoneRequest(tableID string) *Message {
	return &Message{MsgType: MsgTIsAlterTableDone, TableID: tableID}
}

// NewIsAlterTableDoneResponse creates a new IsAlterTableDone response
func NewIsAlterTableDoneResponse(done bool) *Message {
	return &Message{MsgType: MsgTIsAlterTableDone, Done: done}
}

// NewDeleteTableRequest creates a new DeleteTable request
func NewDeleteTableRequest(name string) *Message {
	return &Message{MsgType: MsgTDeleteTable, TableName: name}
}

// NewDeleteTableResponse creates a new DeleteTable response
func NewDeleteTableResponse() *Message {
	return &Message{MsgType: MsgTDeleteTable}
}

// NewListTablesRequest creates a new ListTables request. filter may be
// empty to list all tables.
func NewListTablesRequest(filter string) *Message {
	return &Message{MsgType: MsgTListTables, NameFilter: filter}
}

// NewListTablesResponse creates a new ListTables response
func NewListTablesResponse(tables []TableInfo) *Message {
	return &Message{MsgType: MsgTListTables, Tables: tables}
}

// NewListMastersRequest creates a new ListMasters request
func NewListMastersRequest() *Message {
	return &Message{MsgType: MsgTListMasters}
}

// NewListMastersResponse creates a new ListMasters response
func NewListMastersResponse(servers []ServerInfo) *Message {
	return &Message{MsgType: MsgTListMasters, Servers: servers}
}

// NewListTabletServersRequest creates a new ListTabletServers request
func NewListTabletServersRequest() *Message {
	return &Message{MsgType: MsgTListTabletServers}
}

// NewListTabletServersResponse creates a new ListTabletServers response
func NewListTabletServersResponse(servers []ServerInfo) *Message {
	return &Message{MsgType: MsgTListTabletServers, Servers: servers}
}

// NewWriteRequest creates a new Write request
func NewWriteRequest(tableID string, key, row []byte) *Message {
	return &Message{MsgType: MsgTWrite, TableID: tableID, PartitionKey: key, Row: row}
}

// NewWriteResponse creates a new Write response
func NewWriteResponse() *Message {
	return &Message{MsgType: MsgTWrite}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTPing

	// Master service operations

	MsgTConnectToMaster
	MsgTGetTableLocations
	MsgTCreateTable
	MsgTIsCreateTableDone
	MsgTAlterTable
	MsgTIsAlterTableDone
	MsgTDeleteTable
	MsgTListTables
	MsgTListMasters
	MsgTListTabletServers

	// Tablet server operations

	MsgTWrite
)

// Service names as they appear in call headers.
const (
	MasterService       = "MasterService"
	TabletServerService = "TabletServerService"
)

// String returns the string representation of a MessageType. It doubles as
// the method name in call headers.
func (t MessageType) String() string {
	switch t {
	case MsgTPing:
		return "Ping"
	case MsgTConnectToMaster:
		return "ConnectToMaster"
	case MsgTGetTableLocations:
		return "GetTableLocations"
	case MsgTCreateTable:
		return "CreateTable"
	case MsgTIsCreateTableDone:
		return "IsCreateTableDone"
	case MsgTAlterTable:
		return "AlterTable"
	case MsgTIsAlterTableDone:
		return "IsAlterTableDone"
	case MsgTDeleteTable:
		return "DeleteTable"
	case MsgTListTables:
		return "ListTables"
	case MsgTListMasters:
		return "ListMasters"
	case MsgTListTabletServers:
		return "ListTabletServers"
	case MsgTWrite:
		return "Write"
	default:
		return "Unknown"
	}
}

// Service returns the service name carried in call headers for this
// message type.
func (t MessageType) Service() string {
	if t == MsgTWrite {
		return TabletServerService
	}
	return MasterService
}

// MessageTypeFromMethod resolves a call header's method name back to the
// message type. Used by servers.
func MessageTypeFromMethod(method string) (MessageType, error) {
	for t := MsgTPing; t <= MsgTWrite; t++ {
		if t.String() == method {
			return t, nil
		}
	}
	return MsgTUnknown, fmt.Errorf("unknown method: %s", method)
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	mt, err := MessageTypeFromMethod(s)
	if err != nil {
		return err
	}
	*t = mt
	return nil
}
