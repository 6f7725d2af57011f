package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NodeStatus is the control-plane connection state of a node.
type NodeStatus string

const (
	StatusConnected  NodeStatus = "connected"
	StatusConnecting NodeStatus = "connecting"
	StatusError      NodeStatus = "error"
	StatusDisabled   NodeStatus = "disabled"
	StatusUnknown    NodeStatus = "unknown"
)

// Connected reports whether the status counts as "up".
func (s NodeStatus) Connected() bool {
	return s == StatusConnected
}

// FlexID accepts numeric and string identifiers. Older control planes omit
// the id entirely, which decodes to the empty string.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id %s: %w", data, err)
	}
	*f = FlexID(n.String())
	return nil
}

// Node is a proxy server as reported by the control plane.
type Node struct {
	ID          FlexID     `json:"id"`
	Name        string     `json:"name"`
	Address     string     `json:"address"`
	APIPort     int        `json:"api_port"`
	Status      NodeStatus `json:"status"`
	Message     string     `json:"message"`
	ClientsPath string     `json:"clients_path,omitempty"`
}

// Key is the stable identity of a node: the id when present, else the name.
func (n Node) Key() string {
	if n.ID != "" {
		return string(n.ID)
	}
	return strings.TrimSpace(n.Name)
}

// DisplayName is used in alerts and logs.
func (n Node) DisplayName() string {
	switch {
	case strings.TrimSpace(n.Name) != "":
		return n.Name
	case strings.TrimSpace(n.Address) != "":
		return n.Address
	default:
		return "Node " + string(n.ID)
	}
}

// Client is one entry of a node's live client list. Agents report either a
// bare identifier (usually an IP) or an object carrying id/peer/addr. The raw
// JSON is kept so the entry is republished verbatim.
type Client struct {
	Raw json.RawMessage
}

func (c Client) MarshalJSON() ([]byte, error) {
	if len(c.Raw) == 0 {
		return []byte("null"), nil
	}
	return c.Raw, nil
}

func (c *Client) UnmarshalJSON(data []byte) error {
	c.Raw = append(c.Raw[:0], data...)
	return nil
}

// Label returns a short human readable identifier for the client.
func (c Client) Label() string {
	var s string
	if err := json.Unmarshal(c.Raw, &s); err == nil {
		return s
	}
	var obj map[string]any
	if err := json.Unmarshal(c.Raw, &obj); err == nil {
		for _, key := range []string{"id", "peer", "addr"} {
			if v, ok := obj[key]; ok && v != nil {
				return fmt.Sprint(v)
			}
		}
	}
	return string(c.Raw)
}

// ProbeResult is the outcome of fetching live client data from one node.
// A non-empty Error always comes with an empty DetectedPath.
type ProbeResult struct {
	Count        int
	Clients      []Client
	DetectedPath string
	Error        string
	Port         *int
	Meta         map[string]any
	Via          string
}

const (
	ViaAgent = "agent"
	ViaNode  = "node"
)

// Failed builds a ProbeResult carrying only an error.
func Failed(reason string) ProbeResult {
	return ProbeResult{Clients: []Client{}, Error: reason}
}

// NodeSnapshot is a node enriched with its probe result and usage counters
// for one poll cycle.
type NodeSnapshot struct {
	ID           FlexID         `json:"id"`
	Name         string         `json:"name"`
	Address      string         `json:"address"`
	APIPort      int            `json:"api_port"`
	Status       NodeStatus     `json:"status"`
	Message      string         `json:"message"`
	ClientsCount int            `json:"clients_count"`
	Clients      []Client       `json:"clients"`
	DetectedPath *string        `json:"detected_path"`
	ClientsError *string        `json:"clients_error"`
	Uplink       *int64         `json:"uplink"`
	Downlink     *int64         `json:"downlink"`
	UsersTraffic *int64         `json:"users_traffic"`
	ClientsPort  *int           `json:"clients_port,omitempty"`
	ClientsMeta  map[string]any `json:"clients_meta,omitempty"`
}

// Key mirrors Node.Key for merged entries.
func (s NodeSnapshot) Key() string {
	return Node{ID: s.ID, Name: s.Name}.Key()
}

func (s NodeSnapshot) DisplayName() string {
	return Node{ID: s.ID, Name: s.Name, Address: s.Address}.DisplayName()
}

// SystemStats is the control plane's system-wide summary.
type SystemStats struct {
	Version                string  `json:"version,omitempty"`
	MemTotal               int64   `json:"mem_total"`
	MemUsed                int64   `json:"mem_used"`
	CPUCores               int     `json:"cpu_cores"`
	CPUUsage               float64 `json:"cpu_usage"`
	TotalUser              int64   `json:"total_user"`
	OnlineUsers            int64   `json:"online_users"`
	UsersActive            int64   `json:"users_active"`
	IncomingBandwidth      int64   `json:"incoming_bandwidth"`
	OutgoingBandwidth      int64   `json:"outgoing_bandwidth"`
	IncomingBandwidthSpeed int64   `json:"incoming_bandwidth_speed"`
	OutgoingBandwidthSpeed int64   `json:"outgoing_bandwidth_speed"`
}

// NodeUsage is one row of the node-level usage report.
type NodeUsage struct {
	NodeID   FlexID `json:"node_id"`
	NodeName string `json:"node_name"`
	Uplink   int64  `json:"uplink"`
	Downlink int64  `json:"downlink"`
}

type NodesUsage struct {
	Usages []NodeUsage `json:"usages"`
}

// UserNodeUsage is the traffic of one user on one node.
type UserNodeUsage struct {
	NodeID      FlexID `json:"node_id"`
	NodeName    string `json:"node_name"`
	UsedTraffic int64  `json:"used_traffic"`
}

type UserUsage struct {
	Username string          `json:"username"`
	Usages   []UserNodeUsage `json:"usages"`
}

// PortClients holds the unique peers connected to a locally monitored port.
type PortClients struct {
	Port          int       `json:"port"`
	UniqueClients int       `json:"unique_clients"`
	Clients       []string  `json:"clients"`
	CheckedAt     time.Time `json:"checked_at"`
	Error         *string   `json:"error,omitempty"`
}

// PollState is the document published after every poll cycle.
type PollState struct {
	Nodes      []NodeSnapshot `json:"nodes"`
	LastUpdate *time.Time     `json:"last_update"`
	CycleAt    time.Time      `json:"cycle_at"`
	Error      *string        `json:"error"`
	System     *SystemStats   `json:"system"`
	NodesUsage *NodesUsage    `json:"nodes_usage"`
	UsersUsage []UserUsage    `json:"users_usage"`
	LocalPort  *PortClients   `json:"local_port"`
	Stale      bool           `json:"stale"`
}

// Online counts connected nodes.
func (p PollState) Online() int {
	online := 0
	for _, node := range p.Nodes {
		if node.Status.Connected() {
			online++
		}
	}
	return online
}

// HistorySample is one persisted per-node data point.
type HistorySample struct {
	At           time.Time  `json:"at"`
	NodeKey      string     `json:"node_key"`
	Name         string     `json:"name"`
	Status       NodeStatus `json:"status"`
	ClientsCount int        `json:"clients_count"`
	Uplink       *int64     `json:"uplink"`
	Downlink     *int64     `json:"downlink"`
}
