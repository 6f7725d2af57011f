package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
	"fleetwatch/internal/observability"
)

// MaxPublishedClients caps the per-node client sample in the published state.
const MaxPublishedClients = 200

// DefaultConcurrency bounds the number of in-flight node probes.
const DefaultConcurrency = 32

// ControlPlane is the subset of the control-plane client the poll loop uses.
type ControlPlane interface {
	Authenticate(ctx context.Context) (string, error)
	ListNodes(ctx context.Context, token string) ([]model.Node, error)
	SystemStats(ctx context.Context, token string) (model.SystemStats, error)
	NodesUsage(ctx context.Context, token, start, end string) (model.NodesUsage, error)
	UsersUsage(ctx context.Context, token, start, end string) ([]model.UserUsage, error)
}

type NodeProber interface {
	Probe(ctx context.Context, node model.Node) model.ProbeResult
}

// Sink receives the merged node list after every published cycle. Errors are
// logged and never stop the loop.
type Sink interface {
	HandleSnapshot(ctx context.Context, at time.Time, nodes []model.NodeSnapshot) error
}

// PortReader supplies the latest local port reading.
type PortReader interface {
	Latest() (model.PortClients, bool)
}

// Collector runs the poll loop and keeps the latest PollState. There is one
// writer (the loop) and any number of readers.
type Collector struct {
	cp           ControlPlane
	prober       NodeProber
	pollInterval time.Duration
	concurrency  int
	sinks        []Sink
	ports        PortReader
	logger       logging.Logger
	metrics      *observability.Metrics
	now          func() time.Time

	state atomic.Pointer[model.PollState]
	done  chan struct{}
}

type Option func(*Collector)

func WithLogger(l logging.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

func WithSinks(sinks ...Sink) Option {
	return func(c *Collector) { c.sinks = append(c.sinks, sinks...) }
}

func WithConcurrency(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithPortReader(p PortReader) Option {
	return func(c *Collector) { c.ports = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

func New(cp ControlPlane, prober NodeProber, pollInterval time.Duration, opts ...Option) *Collector {
	c := &Collector{
		cp:           cp,
		prober:       prober,
		pollInterval: pollInterval,
		concurrency:  DefaultConcurrency,
		logger:       logging.Noop(),
		now:          time.Now,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the poll loop. The first cycle runs inside the goroutine, so
// Ready stays false until it publishes. Each cycle is followed by a full poll
// interval of sleep, however long the cycle took. Wait returns once the loop has exited.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)

		timer := time.NewTimer(c.pollInterval)
		defer timer.Stop()
		for {
			c.RunOnce(ctx)

			timer.Reset(c.pollInterval)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
	}()
}

func (c *Collector) Wait() {
	<-c.done
}

func (c *Collector) Ready() bool {
	return c.state.Load() != nil
}

// Snapshot returns a copy of the latest state. It is marked stale when it is
// older than two poll intervals or when the last cycle failed.
func (c *Collector) Snapshot() (model.PollState, bool) {
	current := c.state.Load()
	if current == nil {
		return model.PollState{}, false
	}

	out := *current
	if !out.CycleAt.IsZero() && c.now().Sub(out.CycleAt) > 2*c.pollInterval {
		out.Stale = true
	}
	if out.Error != nil {
		out.Stale = true
	}
	if c.ports != nil {
		if reading, ok := c.ports.Latest(); ok {
			out.LocalPort = &reading
		}
	}
	return out, true
}

// RunOnce executes a single poll cycle and publishes its result unless ctx
// was cancelled while it ran.
func (c *Collector) RunOnce(ctx context.Context) {
	started := c.now()
	cycleID := uuid.NewString()[:8]
	log := c.logger.With(logging.String("cycle", cycleID))

	state, err := c.collect(ctx, log)
	if ctx.Err() != nil {
		log.Debug(ctx, "cycle abandoned on shutdown")
		return
	}

	at := c.now().UTC()
	state.CycleAt = at
	if err != nil {
		msg := err.Error()
		state.Error = &msg
		state.Nodes = []model.NodeSnapshot{}
		if prev := c.state.Load(); prev != nil {
			state.LastUpdate = prev.LastUpdate
			state.System = prev.System
			state.NodesUsage = prev.NodesUsage
			state.UsersUsage = prev.UsersUsage
		}
		c.state.Store(&state)
		c.metrics.ObserveCycle(c.now().Sub(started), true)
		log.Error(ctx, "poll cycle failed", logging.Err(err))
		return
	}

	state.LastUpdate = &at
	c.state.Store(&state)
	c.recordNodes(state.Nodes)
	c.metrics.ObserveCycle(c.now().Sub(started), false)
	log.Info(ctx, "poll cycle published",
		logging.Int("nodes", len(state.Nodes)),
		logging.Int("online", state.Online()),
		logging.Duration("took", c.now().Sub(started)),
	)

	for _, sink := range c.sinks {
		if sinkErr := sink.HandleSnapshot(ctx, at, state.Nodes); sinkErr != nil {
			log.Warn(ctx, "snapshot sink failed", logging.String("sink", fmt.Sprintf("%T", sink)), logging.Err(sinkErr))
		}
	}
}

func (c *Collector) recordNodes(nodes []model.NodeSnapshot) {
	if c.metrics == nil {
		return
	}
	byStatus := make(map[string]int)
	clients := make(map[string]int, len(nodes))
	for _, node := range nodes {
		byStatus[string(node.Status)]++
		clients[node.DisplayName()] = node.ClientsCount
	}
	c.metrics.SetNodes(byStatus, clients)
}

type fetched struct {
	nodes      []model.Node
	system     *model.SystemStats
	nodesUsage *model.NodesUsage
	usersUsage []model.UserUsage
}

func (c *Collector) collect(ctx context.Context, log logging.Logger) (model.PollState, error) {
	token, err := c.cp.Authenticate(ctx)
	if err != nil {
		log.Warn(ctx, "control plane authentication failed, continuing without token", logging.Err(err))
		token = ""
	}

	data, err := c.fetch(ctx, log, token)
	if err != nil {
		return model.PollState{}, err
	}

	results := c.probeAll(ctx, log, data.nodes)
	for _, res := range results {
		if res.Via != "" {
			c.metrics.ObserveProbe(res.Via)
		} else {
			c.metrics.ObserveProbe("none")
		}
	}

	return model.PollState{
		Nodes:      Merge(data.nodes, data.nodesUsage, data.usersUsage, results),
		System:     data.system,
		NodesUsage: data.nodesUsage,
		UsersUsage: data.usersUsage,
	}, nil
}

// fetch runs the four control-plane calls concurrently. Only the node list is
// required; the others are dropped with a warning when they fail.
func (c *Collector) fetch(ctx context.Context, log logging.Logger, token string) (fetched, error) {
	var out fetched
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		nodes, err := c.cp.ListNodes(gctx, token)
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}
		out.nodes = nodes
		return nil
	})
	g.Go(func() error {
		stats, err := c.cp.SystemStats(gctx, token)
		if err != nil {
			log.Warn(ctx, "system stats unavailable", logging.Err(err))
			return nil
		}
		out.system = &stats
		return nil
	})
	g.Go(func() error {
		usage, err := c.cp.NodesUsage(gctx, token, "", "")
		if err != nil {
			log.Warn(ctx, "nodes usage unavailable", logging.Err(err))
			return nil
		}
		out.nodesUsage = &usage
		return nil
	})
	g.Go(func() error {
		usage, err := c.cp.UsersUsage(gctx, token, "", "")
		if err != nil {
			log.Warn(ctx, "users usage unavailable", logging.Err(err))
			return nil
		}
		out.usersUsage = usage
		return nil
	})

	if err := g.Wait(); err != nil {
		return fetched{}, err
	}
	if out.nodes == nil {
		out.nodes = []model.Node{}
	}
	return out, nil
}

// probeAll probes every node with bounded concurrency. results[i] always
// belongs to nodes[i]; completion order does not matter.
func (c *Collector) probeAll(ctx context.Context, log logging.Logger, nodes []model.Node) []model.ProbeResult {
	results := make([]model.ProbeResult, len(nodes))
	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup

	for i, node := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = model.Failed(ctx.Err().Error())
				return
			}
			defer func() { <-sem }()
			results[i] = c.safeProbe(ctx, log, node)
		}()
	}
	wg.Wait()
	return results
}

func (c *Collector) safeProbe(ctx context.Context, log logging.Logger, node model.Node) (res model.ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, "probe panicked", logging.String("node", node.DisplayName()), logging.Any("panic", r))
			res = model.Failed(fmt.Sprintf("probe failed: %v", r))
		}
	}()
	res = c.prober.Probe(ctx, node)
	if res.Error != "" {
		res.DetectedPath = ""
	}
	if res.Clients == nil {
		res.Clients = []model.Client{}
	}
	return res
}

// ErrResultsMismatch is reported when the probe result list does not line up
// with the node list.
var ErrResultsMismatch = errors.New("probe results do not match node list")

// Merge builds the published node list. Usage rows are matched by node id
// first, then by name, and each row is used for at most one node. Probe
// results are matched by position. Merge is pure: the same inputs always
// produce the same output.
func Merge(nodes []model.Node, usage *model.NodesUsage, users []model.UserUsage, results []model.ProbeResult) []model.NodeSnapshot {
	out := make([]model.NodeSnapshot, len(nodes))
	for i, node := range nodes {
		out[i] = model.NodeSnapshot{
			ID:      node.ID,
			Name:    node.Name,
			Address: node.Address,
			APIPort: node.APIPort,
			Status:  node.Status,
			Message: node.Message,
			Clients: []model.Client{},
		}
	}

	if usage != nil {
		matchUsage(out, usage.Usages)
	}
	matchUsersTraffic(out, users)

	for i := range out {
		var res model.ProbeResult
		if i < len(results) {
			res = results[i]
		} else {
			res = model.Failed(ErrResultsMismatch.Error())
		}
		applyProbe(&out[i], res)
	}
	return out
}

func matchUsage(out []model.NodeSnapshot, usages []model.NodeUsage) {
	used := make([]bool, len(usages))
	assigned := make([]bool, len(out))

	assign := func(i, j int) {
		up, down := usages[j].Uplink, usages[j].Downlink
		out[i].Uplink = &up
		out[i].Downlink = &down
		used[j] = true
		assigned[i] = true
	}

	for i := range out {
		if out[i].ID == "" {
			continue
		}
		for j, u := range usages {
			if !used[j] && u.NodeID != "" && u.NodeID == out[i].ID {
				assign(i, j)
				break
			}
		}
	}
	for i := range out {
		if assigned[i] || out[i].Name == "" {
			continue
		}
		for j, u := range usages {
			if !used[j] && u.NodeName != "" && u.NodeName == out[i].Name {
				assign(i, j)
				break
			}
		}
	}
}

// matchUsersTraffic sums used_traffic per node across all users, using the
// same id-then-name identity as matchUsage.
func matchUsersTraffic(out []model.NodeSnapshot, users []model.UserUsage) {
	if len(users) == 0 {
		return
	}
	byID := make(map[model.FlexID]int, len(out))
	byName := make(map[string]int, len(out))
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].ID != "" {
			byID[out[i].ID] = i
		}
		if out[i].Name != "" {
			byName[out[i].Name] = i
		}
	}

	totals := make(map[int]int64)
	for _, user := range users {
		for _, u := range user.Usages {
			i, ok := byID[u.NodeID]
			if !ok || u.NodeID == "" {
				i, ok = byName[u.NodeName]
				if !ok || u.NodeName == "" {
					continue
				}
			}
			totals[i] += u.UsedTraffic
		}
	}
	for i, total := range totals {
		v := total
		out[i].UsersTraffic = &v
	}
}

func applyProbe(snap *model.NodeSnapshot, res model.ProbeResult) {
	clients := res.Clients
	if len(clients) > MaxPublishedClients {
		clients = clients[:MaxPublishedClients]
	}
	snap.Clients = append([]model.Client{}, clients...)
	snap.ClientsCount = res.Count
	snap.ClientsPort = res.Port
	snap.ClientsMeta = res.Meta

	if res.Error != "" {
		reason := res.Error
		snap.ClientsError = &reason
		return
	}
	if res.DetectedPath != "" {
		path := res.DetectedPath
		snap.DetectedPath = &path
	}
}
