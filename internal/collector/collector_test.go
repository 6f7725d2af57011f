package collector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/model"
)

type fakeControlPlane struct {
	nodes      []model.Node
	nodesErr   error
	system     model.SystemStats
	systemErr  error
	usage      model.NodesUsage
	usageErr   error
	users      []model.UserUsage
	authErr    error
	tokensSeen atomic.Int32
}

func (f *fakeControlPlane) Authenticate(context.Context) (string, error) {
	if f.authErr != nil {
		return "", f.authErr
	}
	return "tok", nil
}

func (f *fakeControlPlane) ListNodes(_ context.Context, token string) ([]model.Node, error) {
	if token == "tok" {
		f.tokensSeen.Add(1)
	}
	return f.nodes, f.nodesErr
}

func (f *fakeControlPlane) SystemStats(context.Context, string) (model.SystemStats, error) {
	return f.system, f.systemErr
}

func (f *fakeControlPlane) NodesUsage(context.Context, string, string, string) (model.NodesUsage, error) {
	return f.usage, f.usageErr
}

func (f *fakeControlPlane) UsersUsage(context.Context, string, string, string) ([]model.UserUsage, error) {
	return f.users, nil
}

type proberFunc func(ctx context.Context, node model.Node) model.ProbeResult

func (f proberFunc) Probe(ctx context.Context, node model.Node) model.ProbeResult {
	return f(ctx, node)
}

type recordingSink struct {
	mu    sync.Mutex
	calls [][]model.NodeSnapshot
	err   error
}

func (s *recordingSink) HandleSnapshot(_ context.Context, _ time.Time, nodes []model.NodeSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, nodes)
	return s.err
}

func clientList(values ...string) []model.Client {
	out := make([]model.Client, 0, len(values))
	for _, v := range values {
		raw, _ := json.Marshal(v)
		out = append(out, model.Client{Raw: raw})
	}
	return out
}

func TestRunOncePublishesMergedSnapshot(t *testing.T) {
	cp := &fakeControlPlane{
		nodes: []model.Node{
			{ID: "1", Name: "de1", Address: "10.0.0.1", Status: model.StatusConnected},
			{ID: "2", Name: "nl1", Address: "10.0.0.2", Status: model.StatusError, Message: "timeout"},
		},
		system: model.SystemStats{OnlineUsers: 7},
		usage: model.NodesUsage{Usages: []model.NodeUsage{
			{NodeID: "2", NodeName: "nl1", Uplink: 20, Downlink: 200},
			{NodeID: "1", NodeName: "de1", Uplink: 10, Downlink: 100},
		}},
		users: []model.UserUsage{
			{Username: "a", Usages: []model.UserNodeUsage{{NodeID: "1", UsedTraffic: 5}, {NodeID: "2", UsedTraffic: 1}}},
			{Username: "b", Usages: []model.UserNodeUsage{{NodeName: "de1", UsedTraffic: 7}}},
		},
	}
	prober := proberFunc(func(_ context.Context, node model.Node) model.ProbeResult {
		if node.ID == "2" {
			return model.Failed("no usable endpoint")
		}
		return model.ProbeResult{Count: 2, Clients: clientList("1.1.1.1", "2.2.2.2"), DetectedPath: "/connections", Via: model.ViaNode}
	})
	sink := &recordingSink{}

	c := New(cp, prober, 5*time.Second, WithSinks(sink))
	assert.False(t, c.Ready())
	c.RunOnce(context.Background())
	require.True(t, c.Ready())

	state, ok := c.Snapshot()
	require.True(t, ok)
	assert.Nil(t, state.Error)
	assert.False(t, state.Stale)
	require.NotNil(t, state.LastUpdate)
	require.NotNil(t, state.System)
	assert.EqualValues(t, 7, state.System.OnlineUsers)
	require.Len(t, state.Nodes, 2)

	de1 := state.Nodes[0]
	assert.Equal(t, "de1", de1.Name)
	assert.Equal(t, 2, de1.ClientsCount)
	require.NotNil(t, de1.DetectedPath)
	assert.Equal(t, "/connections", *de1.DetectedPath)
	assert.Nil(t, de1.ClientsError)
	require.NotNil(t, de1.Uplink)
	assert.EqualValues(t, 10, *de1.Uplink)
	require.NotNil(t, de1.UsersTraffic)
	assert.EqualValues(t, 12, *de1.UsersTraffic)

	nl1 := state.Nodes[1]
	require.NotNil(t, nl1.ClientsError)
	assert.Equal(t, "no usable endpoint", *nl1.ClientsError)
	assert.Nil(t, nl1.DetectedPath)
	assert.EqualValues(t, 200, *nl1.Downlink)

	require.Len(t, sink.calls, 1)
	assert.Len(t, sink.calls[0], 2)
	assert.EqualValues(t, 1, cp.tokensSeen.Load())
}

func TestRunOnceNodeListFailurePublishesEmptyList(t *testing.T) {
	cp := &fakeControlPlane{nodes: []model.Node{{ID: "1", Name: "de1", Status: model.StatusConnected}}}
	prober := proberFunc(func(context.Context, model.Node) model.ProbeResult {
		return model.ProbeResult{Clients: []model.Client{}}
	})
	sink := &recordingSink{}
	c := New(cp, prober, 5*time.Second, WithSinks(sink))

	c.RunOnce(context.Background())
	first, _ := c.Snapshot()
	require.NotNil(t, first.LastUpdate)

	cp.nodesErr = errors.New("connection refused")
	c.RunOnce(context.Background())

	state, ok := c.Snapshot()
	require.True(t, ok)
	require.NotNil(t, state.Error)
	assert.Contains(t, *state.Error, "list nodes")
	assert.NotNil(t, state.Nodes)
	assert.Empty(t, state.Nodes)
	assert.True(t, state.Stale)
	assert.Equal(t, first.LastUpdate, state.LastUpdate)
	assert.Len(t, sink.calls, 1, "sinks only see successful cycles")

	cp.nodesErr = nil
	c.RunOnce(context.Background())
	state, _ = c.Snapshot()
	assert.Nil(t, state.Error)
	assert.Len(t, state.Nodes, 1)
}

func TestRunOnceOptionalFetchFailuresAreTolerated(t *testing.T) {
	cp := &fakeControlPlane{
		nodes:     []model.Node{{ID: "1", Name: "de1"}},
		systemErr: errors.New("boom"),
		usageErr:  errors.New("boom"),
		authErr:   errors.New("bad credentials"),
	}
	prober := proberFunc(func(context.Context, model.Node) model.ProbeResult {
		return model.ProbeResult{Clients: []model.Client{}}
	})
	c := New(cp, prober, time.Second)
	c.RunOnce(context.Background())

	state, ok := c.Snapshot()
	require.True(t, ok)
	assert.Nil(t, state.Error)
	assert.Nil(t, state.System)
	assert.Nil(t, state.NodesUsage)
	require.Len(t, state.Nodes, 1)
	assert.Nil(t, state.Nodes[0].Uplink)
	assert.Zero(t, cp.tokensSeen.Load())
}

func TestProbeResultsMergedByIndex(t *testing.T) {
	nodes := make([]model.Node, 20)
	for i := range nodes {
		nodes[i] = model.Node{ID: model.FlexID(string(rune('a' + i))), Name: string(rune('a' + i))}
	}
	cp := &fakeControlPlane{nodes: nodes}
	prober := proberFunc(func(_ context.Context, node model.Node) model.ProbeResult {
		// earlier nodes finish last
		delay := time.Duration('z'-node.Name[0]) * time.Millisecond
		time.Sleep(delay)
		return model.ProbeResult{Count: int(node.Name[0]), Clients: []model.Client{}, DetectedPath: "/" + node.Name}
	})
	c := New(cp, prober, time.Second, WithConcurrency(4))
	c.RunOnce(context.Background())

	state, _ := c.Snapshot()
	require.Len(t, state.Nodes, len(nodes))
	for i, snap := range state.Nodes {
		assert.Equal(t, nodes[i].Name, snap.Name)
		assert.Equal(t, int(nodes[i].Name[0]), snap.ClientsCount)
		assert.Equal(t, "/"+nodes[i].Name, *snap.DetectedPath)
	}
}

func TestProbePanicBecomesNodeError(t *testing.T) {
	cp := &fakeControlPlane{nodes: []model.Node{{ID: "1", Name: "ok"}, {ID: "2", Name: "bad"}}}
	prober := proberFunc(func(_ context.Context, node model.Node) model.ProbeResult {
		if node.Name == "bad" {
			panic("nil map")
		}
		return model.ProbeResult{Count: 1, Clients: clientList("x"), DetectedPath: "/clients"}
	})
	c := New(cp, prober, time.Second)
	c.RunOnce(context.Background())

	state, _ := c.Snapshot()
	require.Len(t, state.Nodes, 2)
	assert.Equal(t, 1, state.Nodes[0].ClientsCount)
	require.NotNil(t, state.Nodes[1].ClientsError)
	assert.Contains(t, *state.Nodes[1].ClientsError, "nil map")
	assert.Nil(t, state.Nodes[1].DetectedPath)
}

func TestErrorResultNeverKeepsDetectedPath(t *testing.T) {
	cp := &fakeControlPlane{nodes: []model.Node{{ID: "1", Name: "de1"}}}
	prober := proberFunc(func(context.Context, model.Node) model.ProbeResult {
		return model.ProbeResult{Error: "partial", DetectedPath: "/connections"}
	})
	c := New(cp, prober, time.Second)
	c.RunOnce(context.Background())

	state, _ := c.Snapshot()
	require.Len(t, state.Nodes, 1)
	assert.Nil(t, state.Nodes[0].DetectedPath)
	assert.NotNil(t, state.Nodes[0].Clients)
}

func TestNoPublishAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cp := &fakeControlPlane{nodes: []model.Node{{ID: "1", Name: "de1"}}}
	prober := proberFunc(func(context.Context, model.Node) model.ProbeResult {
		cancel()
		return model.ProbeResult{Clients: []model.Client{}}
	})
	c := New(cp, prober, time.Second)
	c.RunOnce(ctx)

	assert.False(t, c.Ready())
}

func TestMergeIsIdempotent(t *testing.T) {
	nodes := []model.Node{
		{ID: "1", Name: "de1", Status: model.StatusConnected},
		{Name: "legacy", Status: model.StatusDisabled},
	}
	usage := &model.NodesUsage{Usages: []model.NodeUsage{{NodeName: "legacy", Uplink: 1, Downlink: 2}}}
	port := 8443
	results := []model.ProbeResult{
		{Count: 3, Clients: clientList("a", "b"), DetectedPath: "http://10.0.0.1:9100/connections", Port: &port, Meta: map[string]any{"count_ipv6_enabled": 1.0}},
		model.Failed("no base address"),
	}

	first, err := json.Marshal(Merge(nodes, usage, nil, results))
	require.NoError(t, err)
	second, err := json.Marshal(Merge(nodes, usage, nil, results))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestMergeUsageIDThenName(t *testing.T) {
	nodes := []model.Node{
		{ID: "1", Name: "alpha"},
		{ID: "2", Name: "beta"},
		{Name: "gamma"},
		{Name: "alpha"},
	}
	usage := &model.NodesUsage{Usages: []model.NodeUsage{
		{NodeName: "alpha", Uplink: 100},
		{NodeID: "2", NodeName: "renamed", Uplink: 2},
		{NodeID: "1", NodeName: "alpha", Uplink: 1},
		{NodeName: "gamma", Uplink: 3},
	}}

	out := Merge(nodes, usage, nil, make([]model.ProbeResult, len(nodes)))

	require.NotNil(t, out[0].Uplink)
	assert.EqualValues(t, 1, *out[0].Uplink, "id match wins over an earlier name match")
	assert.EqualValues(t, 2, *out[1].Uplink)
	assert.EqualValues(t, 3, *out[2].Uplink)
	require.NotNil(t, out[3].Uplink, "the unused name row goes to the id-less node")
	assert.EqualValues(t, 100, *out[3].Uplink)
}

func TestMergeUsageEntryAppliesOnce(t *testing.T) {
	nodes := []model.Node{{Name: "dup"}, {Name: "dup"}}
	usage := &model.NodesUsage{Usages: []model.NodeUsage{{NodeName: "dup", Uplink: 9}}}

	out := Merge(nodes, usage, nil, make([]model.ProbeResult, len(nodes)))
	require.NotNil(t, out[0].Uplink)
	assert.Nil(t, out[1].Uplink)
}

func TestMergeCapsPublishedClients(t *testing.T) {
	clients := make([]string, MaxPublishedClients+50)
	for i := range clients {
		clients[i] = "c"
	}
	out := Merge([]model.Node{{ID: "1"}}, nil, nil, []model.ProbeResult{{Count: len(clients), Clients: clientList(clients...)}})

	assert.Len(t, out[0].Clients, MaxPublishedClients)
	assert.Equal(t, len(clients), out[0].ClientsCount)
}

func TestSnapshotBecomesStaleByAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(&fakeControlPlane{}, nil, 5*time.Second, WithClock(func() time.Time { return now }))
	c.state.Store(&model.PollState{CycleAt: now.Add(-11 * time.Second), Nodes: []model.NodeSnapshot{}})

	state, ok := c.Snapshot()
	require.True(t, ok)
	assert.True(t, state.Stale)
}

type staticPorts struct{ reading model.PortClients }

func (s staticPorts) Latest() (model.PortClients, bool) { return s.reading, true }

func TestSnapshotIncludesLocalPort(t *testing.T) {
	cp := &fakeControlPlane{nodes: []model.Node{}}
	c := New(cp, proberFunc(nil), time.Second, WithPortReader(staticPorts{model.PortClients{Port: 8443, UniqueClients: 2}}))
	c.RunOnce(context.Background())

	state, ok := c.Snapshot()
	require.True(t, ok)
	require.NotNil(t, state.LocalPort)
	assert.Equal(t, 2, state.LocalPort.UniqueClients)
}

func TestStartStopsOnCancel(t *testing.T) {
	cp := &fakeControlPlane{nodes: []model.Node{}}
	c := New(cp, proberFunc(nil), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	require.Eventually(t, c.Ready, time.Second, 5*time.Millisecond)
	cancel()

	waited := make(chan struct{})
	go func() {
		c.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("poll loop did not stop")
	}
}

func TestStartSleepsAfterEachCycle(t *testing.T) {
	const poll = 40 * time.Millisecond

	var (
		mu     sync.Mutex
		starts []time.Time
		ends   []time.Time
	)
	prober := proberFunc(func(context.Context, model.Node) model.ProbeResult {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(2 * poll)
		mu.Lock()
		ends = append(ends, time.Now())
		mu.Unlock()
		return model.ProbeResult{}
	})
	cp := &fakeControlPlane{nodes: []model.Node{{ID: "1", Name: "n1"}}}
	c := New(cp, prober, poll)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(starts) && i <= len(ends); i++ {
		gap := starts[i].Sub(ends[i-1])
		assert.GreaterOrEqual(t, gap, poll-5*time.Millisecond, "cycle %d started %s after the previous one ended", i, gap)
	}
}
