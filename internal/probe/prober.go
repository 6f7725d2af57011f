package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
)

const (
	// DefaultTimeout bounds a single probe attempt.
	DefaultTimeout = 5 * time.Second
	// AgentPath is served by the agent sidecar.
	AgentPath = "/connections"

	errNoBase     = "no base address"
	errNoEndpoint = "no usable endpoint"

	maxBodyBytes = 4 << 20
)

// DefaultPaths is the fallback chain walked against the node's own API.
var DefaultPaths = []string{"/connections", "/clients", "/status"}

// Prober fetches live client data from one node, trying the agent first and
// then the node API paths in order.
type Prober struct {
	http     *http.Client
	resolver Resolver
	paths    []string
	timeout  time.Duration
	maxBody  int64
	logger   logging.Logger
}

type Option func(*Prober)

func WithLogger(l logging.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) {
		if c != nil {
			p.http = c
		}
	}
}

func NewProber(resolver Resolver, paths []string, timeout time.Duration, opts ...Option) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	p := &Prober{
		http:     &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		resolver: resolver,
		paths:    append([]string(nil), paths...),
		timeout:  timeout,
		maxBody:  maxBodyBytes,
		logger:   logging.Noop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe never returns an error: every failure is reported in
// ProbeResult.Error.
func (p *Prober) Probe(ctx context.Context, node model.Node) model.ProbeResult {
	bases := p.resolver.Resolve(node)
	if bases.Primary == "" && bases.Fallback == "" {
		return model.Failed(errNoBase)
	}
	log := p.logger.With(logging.String("node", node.DisplayName()))

	if bases.Primary != "" {
		if norm, ok := p.attempt(ctx, log, bases.Primary, AgentPath); ok {
			return accepted(norm, bases.Primary+AgentPath, model.ViaAgent)
		}
	}

	if bases.Fallback == "" {
		return model.Failed(errNoEndpoint)
	}
	for _, path := range candidatePaths(node.ClientsPath, p.paths) {
		// Without a dedicated agent port both bases are the same server.
		if path == AgentPath && bases.Primary == bases.Fallback {
			continue
		}
		if norm, ok := p.attempt(ctx, log, bases.Fallback, path); ok {
			return accepted(norm, path, model.ViaNode)
		}
	}

	return model.Failed(errNoEndpoint)
}

func accepted(norm Normalized, detected, via string) model.ProbeResult {
	clients := norm.Clients
	if clients == nil {
		clients = []model.Client{}
	}
	return model.ProbeResult{
		Count:        norm.Count,
		Clients:      clients,
		DetectedPath: detected,
		Port:         norm.Port,
		Meta:         norm.Meta,
		Via:          via,
	}
}

// candidatePaths puts the node's configured path first and drops duplicates,
// keeping the first occurrence.
func candidatePaths(configured string, defaults []string) []string {
	out := make([]string, 0, len(defaults)+1)
	seen := make(map[string]struct{}, len(defaults)+1)
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	add(configured)
	for _, path := range defaults {
		add(path)
	}
	return out
}

// attempt issues one GET. Transport errors, non-200 answers, error markers
// and JSON scalars all mean "try the next candidate". A 200 with a body that
// is not JSON is accepted as an empty result.
func (p *Prober) attempt(ctx context.Context, log logging.Logger, base, path string) (Normalized, bool) {
	endpoint := strings.TrimRight(base, "/") + path

	body, err := p.fetch(ctx, endpoint)
	if err != nil {
		log.Debug(ctx, "probe attempt failed", logging.String("url", endpoint), logging.Err(err))
		return Normalized{}, false
	}

	if !json.Valid(body) {
		return empty(true), true
	}
	if isErrorMarker(body) {
		log.Debug(ctx, "probe returned error marker", logging.String("url", endpoint))
		return Normalized{}, false
	}

	norm := Normalize(body)
	if !norm.Structured {
		return Normalized{}, false
	}
	return norm, true
}

func (p *Prober) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > p.maxBody {
		return nil, fmt.Errorf("body exceeds %d bytes", p.maxBody)
	}
	return body, nil
}
