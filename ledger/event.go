package ledger

import "time"

// Event is the immutable unit of the ledger. Payload and Metadata are kept
// as generic maps (rather than per-type structs) because the ledger must
// persist and replay every event kind without knowing their shapes; callers
// that need typed access decode the fields they expect (see tradestate).
type Event struct {
	EventID     string         `json:"event_id"`
	EventType   EventType      `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	SequenceNum uint64         `json:"sequence_num"`
	Payload     map[string]any `json:"payload"`
	Metadata    map[string]any `json:"metadata"`
}

// Str returns a string field from Payload, or "" if absent/wrong type.
func (e Event) Str(key string) string {
	v, _ := e.Payload[key].(string)
	return v
}

// Float returns a float64 field from Payload. JSON numbers decode as
// float64 by default, so this also covers ints written as payload values.
func (e Event) Float(key string) float64 {
	switch v := e.Payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// Bool returns a bool field from Payload.
func (e Event) Bool(key string) bool {
	v, _ := e.Payload[key].(bool)
	return v
}

// StringSlice returns a []string field from Payload, tolerating the
// []any shape produced by JSON decoding.
func (e Event) StringSlice(key string) []string {
	switch v := e.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
