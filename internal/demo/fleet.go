// Package demo serves a synthetic Marzban fleet so the dashboard can run
// without a control plane. Fleet stands in for both the control-plane client
// and the node prober, so the real poll loop and notifier still run.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fleetwatch/internal/model"
)

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

type nodeSeed struct {
	ID      string
	Name    string
	Address string
	APIPort int
	Mode    string
	Clients int
	Via     string
}

var seeds = []nodeSeed{
	{"1", "Frankfurt", "fra-1.demo.fleetwatch.invalid", 62050, "up", 48, model.ViaAgent},
	{"2", "Amsterdam", "ams-1.demo.fleetwatch.invalid", 62050, "up", 31, model.ViaAgent},
	{"3", "Helsinki", "hel-1.demo.fleetwatch.invalid", 62050, "flap", 17, model.ViaNode},
	{"4", "Warsaw", "waw-1.demo.fleetwatch.invalid", 62050, "up", 9, model.ViaNode},
	{"5", "Istanbul", "ist-1.demo.fleetwatch.invalid", 62050, "down", 0, ""},
	{"6", "Reserve", "reserve.demo.fleetwatch.invalid", 62050, "disabled", 0, ""},
}

var demoUsers = []string{"alice", "bob", "carol", "dave", "erin"}

// Fleet advances one tick per ListNodes call. Every other answer is derived
// from the current tick.
type Fleet struct {
	mu   sync.Mutex
	tick int
}

func NewFleet() *Fleet {
	return &Fleet{}
}

func (f *Fleet) current() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tick
}

func (f *Fleet) Authenticate(context.Context) (string, error) {
	return "demo-token", nil
}

func (f *Fleet) ListNodes(ctx context.Context, _ string) ([]model.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.tick++
	tick := f.tick
	f.mu.Unlock()

	nodes := make([]model.Node, 0, len(seeds))
	for _, seed := range seeds {
		status, message := statusAt(seed, tick)
		nodes = append(nodes, model.Node{
			ID:      model.FlexID(seed.ID),
			Name:    seed.Name,
			Address: seed.Address,
			APIPort: seed.APIPort,
			Status:  status,
			Message: message,
		})
	}
	return nodes, nil
}

func statusAt(seed nodeSeed, tick int) (model.NodeStatus, string) {
	switch seed.Mode {
	case "down":
		return model.StatusError, "Failed to connect: [Errno 111] Connection refused"
	case "disabled":
		return model.StatusDisabled, ""
	case "flap":
		if tick%7 == 0 || tick%7 == 1 {
			return model.StatusError, "connection timed out"
		}
		if tick%7 == 2 {
			return model.StatusConnecting, ""
		}
	}
	return model.StatusConnected, ""
}

func (f *Fleet) SystemStats(context.Context, string) (model.SystemStats, error) {
	tick := f.current()
	online := 0
	for _, seed := range seeds {
		online += clientsAt(seed, tick)
	}
	return model.SystemStats{
		Version:                "0.8.4",
		MemTotal:               16 * gib,
		MemUsed:                int64(6*gib) + int64((tick*37)%900)*mib,
		CPUCores:               8,
		CPUUsage:               12.5 + float64((tick*7)%40),
		TotalUser:              int64(len(demoUsers)) * 40,
		UsersActive:            int64(len(demoUsers)) * 31,
		OnlineUsers:            int64(online),
		IncomingBandwidth:      int64(3400*gib) + int64(tick)*420*mib,
		OutgoingBandwidth:      int64(410*gib) + int64(tick)*52*mib,
		IncomingBandwidthSpeed: int64(18*mib) + int64((tick*13)%40)*mib/10,
		OutgoingBandwidthSpeed: int64(2*mib) + int64((tick*29)%90)*kib*10,
	}, nil
}

func (f *Fleet) NodesUsage(context.Context, string, string, string) (model.NodesUsage, error) {
	tick := f.current()
	usage := model.NodesUsage{Usages: make([]model.NodeUsage, 0, len(seeds))}
	for idx, seed := range seeds {
		if seed.Mode == "disabled" {
			continue
		}
		usage.Usages = append(usage.Usages, model.NodeUsage{
			NodeID:   model.FlexID(seed.ID),
			NodeName: seed.Name,
			Uplink:   int64((40+idx*9)*gib) + int64(tick*seed.Clients)*mib,
			Downlink: int64((520+idx*61)*gib) + int64(tick*seed.Clients*7)*mib,
		})
	}
	return usage, nil
}

func (f *Fleet) UsersUsage(context.Context, string, string, string) ([]model.UserUsage, error) {
	tick := f.current()
	users := make([]model.UserUsage, 0, len(demoUsers))
	for u, name := range demoUsers {
		entry := model.UserUsage{Username: name, Usages: []model.UserNodeUsage{}}
		for idx, seed := range seeds {
			if seed.Clients == 0 || (u+idx)%2 == 1 {
				continue
			}
			entry.Usages = append(entry.Usages, model.UserNodeUsage{
				NodeID:      model.FlexID(seed.ID),
				NodeName:    seed.Name,
				UsedTraffic: int64((u+1)*(idx+2))*gib + int64(tick)*mib,
			})
		}
		users = append(users, entry)
	}
	return users, nil
}

// Probe answers like an agent or a node API would, based on the node's seed.
func (f *Fleet) Probe(ctx context.Context, node model.Node) model.ProbeResult {
	if err := ctx.Err(); err != nil {
		return model.Failed(err.Error())
	}

	seed, ok := seedFor(node)
	if !ok {
		return model.Failed("no base address")
	}
	if !node.Status.Connected() || seed.Via == "" {
		return model.Failed("no usable endpoint")
	}

	tick := f.current()
	count := clientsAt(seed, tick)
	clients := make([]model.Client, 0, count)
	for i := 0; i < count; i++ {
		raw, _ := json.Marshal(fmt.Sprintf("198.51.%d.%d", 100+int(seed.ID[0]-'0'), 10+i))
		clients = append(clients, model.Client{Raw: raw})
	}

	result := model.ProbeResult{Count: count, Clients: clients, Via: seed.Via}
	if seed.Via == model.ViaAgent {
		result.DetectedPath = fmt.Sprintf("http://%s:%d/connections", seed.Address, seed.APIPort+1)
		port := 8443
		result.Port = &port
	} else {
		result.DetectedPath = "/clients"
		result.Meta = map[string]any{"xray_version": "1.8.24"}
	}
	return result
}

func seedFor(node model.Node) (nodeSeed, bool) {
	for _, seed := range seeds {
		if seed.ID == string(node.ID) {
			return seed, true
		}
	}
	return nodeSeed{}, false
}

func clientsAt(seed nodeSeed, tick int) int {
	if seed.Clients == 0 {
		return 0
	}
	swing := seed.Clients / 4
	if swing == 0 {
		swing = 1
	}
	return seed.Clients - swing + (tick*3+len(seed.Name))%(2*swing+1)
}
