package probe

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"fleetwatch/internal/model"
)

// Normalized is the canonical shape of a node's live-client response.
type Normalized struct {
	Count   int
	Clients []model.Client
	Port    *int
	Meta    map[string]any
	// Structured is set when the payload was a JSON array or object.
	Structured bool
}

var listKeys = []string{"clients", "connections", "peers", "addresses"}

var metaKeys = []string{"count_ipv4_enabled", "count_ipv6_enabled", "trusted_ips_configured"}

// Normalize maps the payloads agents and node APIs return onto Normalized.
// It never fails: unknown shapes yield a zero result. The first matching rule
// wins:
//
//  1. a JSON array is the client list
//  2. an object with an "ips" array (agent shape), honouring an integer "count"
//  3. an object with clients, connections, peers or addresses as an array
//  4. an object with an integer "count" and no list
//  5. the first array-valued field in document order
func Normalize(payload []byte) Normalized {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return empty(false)
	}

	switch payload[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(payload, &items); err != nil {
			return empty(false)
		}
		return fromList(items, Normalized{Structured: true})
	case '{':
		obj, ok := decodeObject(payload)
		if !ok {
			return empty(false)
		}
		return normalizeObject(obj)
	default:
		return empty(false)
	}
}

func normalizeObject(obj object) Normalized {
	out := Normalized{Structured: true}

	if raw, ok := obj.get("ips"); ok {
		if items, isList := asList(raw); isList {
			out = fromList(items, out)
			if countRaw, ok := obj.get("count"); ok {
				if n, isInt := asInt(countRaw); isInt && n >= 0 {
					out.Count = n
				}
			}
			if portRaw, ok := obj.get("port"); ok {
				if port, isInt := asInt(portRaw); isInt {
					out.Port = &port
				}
			}
			meta := make(map[string]any)
			for _, key := range metaKeys {
				if v, ok := obj.get(key); ok {
					var decoded any
					if err := json.Unmarshal(v, &decoded); err == nil {
						meta[key] = decoded
					}
				}
			}
			if len(meta) > 0 {
				out.Meta = meta
			}
			return out
		}
	}

	for _, key := range listKeys {
		if raw, ok := obj.get(key); ok {
			if items, isList := asList(raw); isList {
				return fromList(items, out)
			}
		}
	}

	if raw, ok := obj.get("count"); ok {
		if n, isInt := asInt(raw); isInt {
			if n < 0 {
				n = 0
			}
			out.Count = n
			out.Clients = []model.Client{}
			return out
		}
	}

	for _, field := range obj.fields {
		if items, isList := asList(field.value); isList {
			return fromList(items, out)
		}
	}

	out.Clients = []model.Client{}
	return out
}

// isErrorMarker reports whether a decoded body is an object whose "error"
// field is truthy. Such bodies are rejected even with HTTP 200.
func isErrorMarker(payload []byte) bool {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return false
	}
	obj, ok := decodeObject(payload)
	if !ok {
		return false
	}
	raw, ok := obj.get("error")
	if !ok {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

func empty(structured bool) Normalized {
	return Normalized{Clients: []model.Client{}, Structured: structured}
}

func fromList(items []json.RawMessage, out Normalized) Normalized {
	clients := make([]model.Client, 0, len(items))
	for _, item := range items {
		clients = append(clients, model.Client{Raw: item})
	}
	out.Clients = clients
	out.Count = len(clients)
	return out
}

func asList(raw json.RawMessage) ([]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, false
	}
	return items, true
}

// asInt accepts JSON integer literals only; 3.0, "3" and true are rejected.
func asInt(raw json.RawMessage) (int, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || strings.ContainsAny(trimmed, ".eE\"") {
		return 0, false
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, false
	}
	return n, true
}

type objectField struct {
	key   string
	value json.RawMessage
}

// object is a decoded JSON object that remembers key order. A repeated key
// keeps its first position and its last value, matching encoding/json.
type object struct {
	fields []objectField
	index  map[string]int
}

func (o object) get(key string) (json.RawMessage, bool) {
	i, ok := o.index[key]
	if !ok {
		return nil, false
	}
	return o.fields[i].value, true
}

func decodeObject(payload []byte) (object, bool) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	tok, err := dec.Token()
	if err != nil {
		return object{}, false
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return object{}, false
	}

	obj := object{index: make(map[string]int)}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return object{}, false
		}
		key, ok := keyTok.(string)
		if !ok {
			return object{}, false
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return object{}, false
		}
		if i, seen := obj.index[key]; seen {
			obj.fields[i].value = value
			continue
		}
		obj.index[key] = len(obj.fields)
		obj.fields = append(obj.fields, objectField{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return object{}, false
	}
	if dec.More() {
		return object{}, false
	}
	return obj, true
}
