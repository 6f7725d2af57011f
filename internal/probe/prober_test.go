package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/model"
)

func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func closedPort(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	port := portOf(t, srv)
	srv.Close()
	return port
}

func routes(m map[string]func(http.ResponseWriter)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fn, ok := m[r.URL.Path]; ok {
			fn(w)
			return
		}
		http.NotFound(w, r)
	})
}

func body(status int, contentType, payload string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}
}

func TestProbePrimaryShortCircuits(t *testing.T) {
	agent := httptest.NewServer(routes(map[string]func(http.ResponseWriter){
		"/connections": body(http.StatusOK, "application/json", `{"ips":["1.1.1.1"],"count":1}`),
	}))
	defer agent.Close()

	var nodeHits atomic.Int32
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodeHits.Add(1)
		_, _ = w.Write([]byte(`["x"]`))
	}))
	defer node.Close()

	p := NewProber(NewResolver(portOf(t, agent), ""), nil, time.Second)
	res := p.Probe(context.Background(), model.Node{Address: "127.0.0.1", APIPort: portOf(t, node)})

	assert.Empty(t, res.Error)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, []string{"1.1.1.1"}, labels(res.Clients))
	assert.Equal(t, agent.URL+"/connections", res.DetectedPath)
	assert.Equal(t, model.ViaAgent, res.Via)
	assert.Zero(t, nodeHits.Load())
}

func TestProbeAllUnreachable(t *testing.T) {
	p := NewProber(NewResolver(closedPort(t), ""), nil, time.Second)
	res := p.Probe(context.Background(), model.Node{Address: "127.0.0.1", APIPort: closedPort(t)})

	assert.Equal(t, "no usable endpoint", res.Error)
	assert.Zero(t, res.Count)
	assert.NotNil(t, res.Clients)
	assert.Empty(t, res.Clients)
	assert.Empty(t, res.DetectedPath)
}

func TestProbeNoBaseAddress(t *testing.T) {
	p := NewProber(NewResolver(9100, ""), nil, time.Second)
	res := p.Probe(context.Background(), model.Node{APIPort: 62051})

	assert.Equal(t, "no base address", res.Error)
	assert.Empty(t, res.DetectedPath)
	assert.NotNil(t, res.Clients)
}

func TestProbeConfiguredPathTriedFirst(t *testing.T) {
	agent := httptest.NewServer(http.NotFoundHandler())
	defer agent.Close()

	var order []string
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, r.URL.Path)
		switch r.URL.Path {
		case "/custom/list":
			_, _ = w.Write([]byte(`["a"]`))
		case "/connections":
			_, _ = w.Write([]byte(`["x","y"]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer node.Close()

	p := NewProber(NewResolver(portOf(t, agent), ""), nil, time.Second)
	res := p.Probe(context.Background(), model.Node{
		Address:     "127.0.0.1",
		APIPort:     portOf(t, node),
		ClientsPath: "custom/list",
	})

	assert.Empty(t, res.Error)
	assert.Equal(t, "/custom/list", res.DetectedPath)
	assert.Equal(t, model.ViaNode, res.Via)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, []string{"/custom/list"}, order)
}

func TestProbeFallbackRejections(t *testing.T) {
	cases := []struct {
		name        string
		connections func(http.ResponseWriter)
	}{
		{name: "server error", connections: body(http.StatusInternalServerError, "", "boom")},
		{name: "error marker", connections: body(http.StatusOK, "application/json", `{"error":"forbidden","clients":["z"]}`)},
		{name: "json scalar", connections: body(http.StatusOK, "application/json", `42`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agent := httptest.NewServer(http.NotFoundHandler())
			defer agent.Close()
			node := httptest.NewServer(routes(map[string]func(http.ResponseWriter){
				"/connections": tc.connections,
				"/clients":     body(http.StatusOK, "application/json", `{"clients":["c1","c2"]}`),
			}))
			defer node.Close()

			p := NewProber(NewResolver(portOf(t, agent), ""), nil, time.Second)
			res := p.Probe(context.Background(), model.Node{Address: "127.0.0.1", APIPort: portOf(t, node)})

			assert.Empty(t, res.Error)
			assert.Equal(t, "/clients", res.DetectedPath)
			assert.Equal(t, 2, res.Count)
		})
	}
}

func TestProbePlainTextAcceptedAsEmpty(t *testing.T) {
	agent := httptest.NewServer(http.NotFoundHandler())
	defer agent.Close()
	node := httptest.NewServer(routes(map[string]func(http.ResponseWriter){
		"/connections": body(http.StatusOK, "text/plain", "ok, 3 clients"),
		"/clients":     body(http.StatusOK, "application/json", `["never"]`),
	}))
	defer node.Close()

	p := NewProber(NewResolver(portOf(t, agent), ""), nil, time.Second)
	res := p.Probe(context.Background(), model.Node{Address: "127.0.0.1", APIPort: portOf(t, node)})

	assert.Empty(t, res.Error)
	assert.Equal(t, "/connections", res.DetectedPath)
	assert.Zero(t, res.Count)
	assert.NotNil(t, res.Clients)
	assert.Empty(t, res.Clients)
}

func TestOversizedBodyFallsThrough(t *testing.T) {
	agent := httptest.NewServer(routes(map[string]func(http.ResponseWriter){
		"/connections": body(http.StatusOK, "application/json", `{"clients":["10.0.0.1","10.0.0.2","10.0.0.3","10.0.0.4","10.0.0.5"]}`),
	}))
	defer agent.Close()
	node := httptest.NewServer(routes(map[string]func(http.ResponseWriter){
		"/clients": body(http.StatusOK, "application/json", `["10.0.0.9"]`),
	}))
	defer node.Close()

	p := NewProber(NewResolver(portOf(t, agent), ""), []string{"/clients"}, time.Second)
	p.maxBody = 32
	res := p.Probe(context.Background(), model.Node{Address: "127.0.0.1", APIPort: portOf(t, node)})

	assert.Empty(t, res.Error)
	assert.Equal(t, "/clients", res.DetectedPath)
	assert.Equal(t, 1, res.Count)
}

func TestOversizedBodyEverywhereIsAnError(t *testing.T) {
	srv := httptest.NewServer(routes(map[string]func(http.ResponseWriter){
		"/connections": body(http.StatusOK, "application/json", `{"clients":["10.0.0.1","10.0.0.2","10.0.0.3"]}`),
	}))
	defer srv.Close()

	p := NewProber(NewResolver(portOf(t, srv), ""), []string{"/connections"}, time.Second)
	p.maxBody = 16
	res := p.Probe(context.Background(), model.Node{Address: "127.0.0.1"})

	assert.Equal(t, "no usable endpoint", res.Error)
	assert.Empty(t, res.DetectedPath)
	assert.Zero(t, res.Count)
}

func TestSameBaseSkipsRepeatedAgentPath(t *testing.T) {
	var connectionHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/connections":
			connectionHits.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		case "/clients":
			_, _ = w.Write([]byte(`["10.0.0.7"]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewProber(NewResolver(0, ""), nil, time.Second)
	res := p.Probe(context.Background(), model.Node{Address: "127.0.0.1", APIPort: portOf(t, srv)})

	assert.Empty(t, res.Error)
	assert.Equal(t, "/clients", res.DetectedPath)
	assert.Equal(t, int32(1), connectionHits.Load())
}

func TestProbeAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	p := NewProber(NewResolver(portOf(t, slow), ""), []string{"/connections"}, 50*time.Millisecond)
	start := time.Now()
	res := p.Probe(context.Background(), model.Node{Address: "127.0.0.1"})

	assert.Equal(t, "no usable endpoint", res.Error)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCandidatePaths(t *testing.T) {
	assert.Equal(t,
		[]string{"/custom", "/connections", "/clients", "/status"},
		candidatePaths("/custom", DefaultPaths))
	assert.Equal(t,
		[]string{"/clients", "/connections", "/status"},
		candidatePaths("clients", DefaultPaths))
	assert.Equal(t, DefaultPaths, candidatePaths("  ", DefaultPaths))
}
