package domain

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/goccy/go-json"
)

// Pair is an explicit (key, value) write into a durable log.
type Pair struct {
	Key   string
	Value any
}

// Message is the bus envelope. Extra fields are flattened next to the
// reserved ones on the wire.
type Message struct {
	Sender  string
	Message any
	TS      float64
	Extra   map[string]any
}

var reservedFields = map[string]bool{"sender": true, "message": true, "ts": true}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		if !reservedFields[k] {
			out[k] = v
		}
	}
	out["sender"] = m.Sender
	out["message"] = m.Message
	out["ts"] = m.TS
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return m.FromMap(raw)
}

// FromMap fills m from a decoded envelope. A missing sender or ts is left
// zero for the caller to normalize.
func (m *Message) FromMap(raw map[string]any) error {
	*m = Message{}
	if s, ok := raw["sender"]; ok && s != nil {
		str, ok := s.(string)
		if !ok {
			return fmt.Errorf("sender: want string, got %T", s)
		}
		m.Sender = str
	}
	m.Message = raw["message"]
	if ts, ok := raw["ts"]; ok && ts != nil {
		f, ok := ToFloat(ts)
		if !ok {
			return fmt.Errorf("ts: want number, got %T", ts)
		}
		m.TS = f
	}
	for k, v := range raw {
		if reservedFields[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = map[string]any{}
		}
		m.Extra[k] = v
	}
	return nil
}

// Map returns the flattened wire form.
func (m Message) Map() map[string]any {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["sender"] = m.Sender
	out["message"] = m.Message
	out["ts"] = m.TS
	return out
}

func (m Message) Time() time.Time { return FromEpoch(m.TS) }

// Heartbeat is the liveness record one bus participant writes for itself.
type Heartbeat struct {
	PID       int     `json:"pid"`
	Host      string  `json:"host"`
	ClientKey string  `json:"client_key"`
	Topic     string  `json:"topic"`
	Mode      string  `json:"mode"`
	Group     string  `json:"group"`
	UpdatedAt float64 `json:"updated_at"`
	StartedAt float64 `json:"started_at"`
	Type      string  `json:"type"`
}

// Valid reports whether the record carries the fields the registry relies on.
func (h Heartbeat) Valid() bool {
	return h.ClientKey != "" && h.UpdatedAt > 0
}

// ClientKey returns the host:pid identity of the running process.
func ClientKey() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Epoch returns t as float seconds with microsecond precision.
func Epoch(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func FromEpoch(sec float64) time.Time {
	return time.UnixMicro(int64(math.Round(sec * 1e6)))
}

// ToFloat converts the numeric shapes produced by JSON and msgpack decoders.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
