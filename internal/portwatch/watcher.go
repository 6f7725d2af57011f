// Package portwatch counts unique remote peers with an established TCP
// connection to a local port.
package portwatch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"

	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
	"fleetwatch/internal/observability"
)

// DefaultPort is the proxy inbound port watched when none is configured.
const DefaultPort = 8443

const maxListedClients = 200

// PeerSource lists the remote IPs connected to port. Duplicates are allowed.
type PeerSource interface {
	Peers(ctx context.Context, port int) ([]string, error)
}

// PeerFunc adapts a function to PeerSource.
type PeerFunc func(ctx context.Context, port int) ([]string, error)

func (f PeerFunc) Peers(ctx context.Context, port int) ([]string, error) { return f(ctx, port) }

// Watcher samples the port on its own goroutine so a slow `ss` call never
// holds up the poll loop.
type Watcher struct {
	port     int
	interval time.Duration
	sources  []PeerSource
	logger   logging.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	latest atomic.Pointer[model.PortClients]
	done   chan struct{}
}

type Option func(*Watcher)

func WithLogger(l logging.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithSources replaces the default gopsutil then ss chain.
func WithSources(sources ...PeerSource) Option {
	return func(w *Watcher) {
		if len(sources) > 0 {
			w.sources = sources
		}
	}
}

func New(port int, interval time.Duration, opts ...Option) *Watcher {
	if port <= 0 {
		port = DefaultPort
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &Watcher{
		port:     port,
		interval: interval,
		sources:  []PeerSource{PeerFunc(SystemPeers), PeerFunc(SSPeers)},
		logger:   logging.Noop(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer close(w.done)

		w.Check(ctx)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Check(ctx)
			}
		}
	}()
}

func (w *Watcher) Wait() {
	<-w.done
}

// Latest returns the most recent reading, if any.
func (w *Watcher) Latest() (model.PortClients, bool) {
	reading := w.latest.Load()
	if reading == nil {
		return model.PortClients{}, false
	}
	return *reading, true
}

// Check takes one reading, trying each source in order until one succeeds.
func (w *Watcher) Check(ctx context.Context) model.PortClients {
	reading := model.PortClients{Port: w.port, Clients: []string{}, CheckedAt: w.now().UTC()}

	var errs []error
	for _, source := range w.sources {
		peers, err := source.Peers(ctx, w.port)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		unique := uniqueSorted(peers)
		reading.UniqueClients = len(unique)
		if len(unique) > maxListedClients {
			unique = unique[:maxListedClients]
		}
		reading.Clients = unique
		errs = nil
		break
	}

	if len(errs) > 0 {
		msg := errors.Join(errs...).Error()
		reading.Error = &msg
		w.logger.Warn(ctx, "port watch failed", logging.Int("port", w.port), logging.Err(errors.Join(errs...)))
	} else {
		w.metrics.SetLocalClients(reading.UniqueClients)
	}

	w.latest.Store(&reading)
	return reading
}

// SystemPeers reads the kernel connection table through gopsutil.
func SystemPeers(ctx context.Context, port int) ([]string, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	peers := make([]string, 0)
	for _, c := range conns {
		if c.Status != "ESTABLISHED" || int(c.Laddr.Port) != port || c.Raddr.IP == "" {
			continue
		}
		peers = append(peers, c.Raddr.IP)
	}
	return peers, nil
}

// SSPeers shells out to iproute2's ss.
func SSPeers(ctx context.Context, port int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ss", "-tnH", "state", "established", fmt.Sprintf("( sport = :%d )", port)).Output()
	if err != nil {
		return nil, fmt.Errorf("run ss: %w", err)
	}
	return ParseSSPeers(string(out)), nil
}

var peerPattern = regexp.MustCompile(`^\[?([^\]]+?)\]?:(\d+)$`)

// ParseSSPeers extracts remote IPs from `ss -tn` output. The peer is the last
// address column, either v4:port or [v6]:port. Header lines are skipped.
func ParseSSPeers(output string) []string {
	peers := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if line == "" || strings.HasPrefix(lower, "netid") || strings.HasPrefix(lower, "state") || strings.HasPrefix(lower, "recv-q") {
			continue
		}
		fields := strings.Fields(line)
		var m []string
		for i := len(fields) - 1; i >= 0 && m == nil; i-- {
			m = peerPattern.FindStringSubmatch(fields[i])
		}
		if m == nil {
			continue
		}
		ip := m[1]
		if i := strings.IndexByte(ip, '%'); i >= 0 {
			ip = ip[:i]
		}
		ip = strings.TrimPrefix(ip, "::ffff:")
		if ip == "*" {
			continue
		}
		peers = append(peers, ip)
	}
	return peers
}

func uniqueSorted(peers []string) []string {
	seen := make(map[string]struct{}, len(peers))
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
