package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fleetwatch/internal/model"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		name        string
		agentPort   int
		agentScheme string
		node        model.Node
		want        Bases
	}{
		{
			name:      "bare host with agent port and api port",
			agentPort: 9100,
			node:      model.Node{Address: "de1.example.com", APIPort: 62051},
			want:      Bases{Primary: "http://de1.example.com:9100", Fallback: "http://de1.example.com:62051"},
		},
		{
			name:        "bare host uses configured agent scheme",
			agentPort:   9100,
			agentScheme: "https",
			node:        model.Node{Address: "10.0.0.5"},
			want:        Bases{Primary: "https://10.0.0.5:9100", Fallback: "http://10.0.0.5:9100"},
		},
		{
			name: "no agent port falls back to api port for both",
			node: model.Node{Address: "10.0.0.5", APIPort: 62051},
			want: Bases{Primary: "http://10.0.0.5:62051", Fallback: "http://10.0.0.5:62051"},
		},
		{
			name: "no port known at all",
			node: model.Node{Address: "10.0.0.5"},
			want: Bases{Primary: "http://10.0.0.5", Fallback: "http://10.0.0.5"},
		},
		{
			name:      "scheme in address is reused",
			agentPort: 9100,
			node:      model.Node{Address: "https://nl1.example.com/", APIPort: 62051},
			want:      Bases{Primary: "https://nl1.example.com:9100", Fallback: "https://nl1.example.com:62051"},
		},
		{
			name:      "explicit port in schemed address is kept for the node base",
			agentPort: 9100,
			node:      model.Node{Address: "https://nl1.example.com:8443/panel/", APIPort: 62051},
			want:      Bases{Primary: "https://nl1.example.com:9100", Fallback: "https://nl1.example.com:8443/panel"},
		},
		{
			name:      "schemed address without api port takes the agent port",
			agentPort: 9100,
			node:      model.Node{Address: "http://fi1.example.com"},
			want:      Bases{Primary: "http://fi1.example.com:9100", Fallback: "http://fi1.example.com:9100"},
		},
		{
			name:      "name is used when address is empty",
			agentPort: 9100,
			node:      model.Node{Name: "fr1.example.com"},
			want:      Bases{Primary: "http://fr1.example.com:9100", Fallback: "http://fr1.example.com:9100"},
		},
		{
			name:      "ipv6 literal",
			agentPort: 9100,
			node:      model.Node{Address: "2001:db8::1", APIPort: 62051},
			want:      Bases{Primary: "http://[2001:db8::1]:9100", Fallback: "http://[2001:db8::1]:62051"},
		},
		{
			name:      "bracketed ipv6 literal",
			agentPort: 9100,
			node:      model.Node{Address: "[2001:db8::1]", APIPort: 62051},
			want:      Bases{Primary: "http://[2001:db8::1]:9100", Fallback: "http://[2001:db8::1]:62051"},
		},
		{
			name: "no address and no name",
			node: model.Node{APIPort: 62051},
			want: Bases{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewResolver(tc.agentPort, tc.agentScheme)
			assert.Equal(t, tc.want, r.Resolve(tc.node))
		})
	}
}
