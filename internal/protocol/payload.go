package protocol

import (
	"encoding/json"

	"github.com/kvbridge/kvbridge/internal/storage"
)

// GetPayload is the payload of a GET request.
type GetPayload struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Options    storage.Options `json:"options,omitempty"`
}

// SetPayload is the payload of a SET request.
type SetPayload struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Value      storage.Value   `json:"value"`
	Options    storage.Options `json:"options,omitempty"`
}

// DeletePayload is the payload of a DELETE request.
type DeletePayload struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Options    storage.Options `json:"options,omitempty"`
}

// QueryPayload is the payload of a QUERY request. The field is named
// "query" on the wire to match the predicate shape clients send.
type QueryPayload struct {
	Collection string                   `json:"collection"`
	Query      map[string]storage.Value `json:"query,omitempty"`
	Options    storage.Options          `json:"options,omitempty"`
}

// SubscribePayload is the payload of SUBSCRIBE/UNSUBSCRIBE requests.
// Pattern is either a literal key or "*".
type SubscribePayload struct {
	Collection string `json:"collection"`
	Pattern    string `json:"pattern"`
}

// BatchOperation is one entry in a BATCH request's operations array.
type BatchOperation struct {
	ID      string          `json:"id"`
	Type    Opcode          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// BatchPayload is the payload of a BATCH request.
type BatchPayload struct {
	Operations []BatchOperation `json:"operations"`
}

// BatchResultEntry is one entry in a BATCH response, preserving the
// input operations' order.
type BatchResultEntry struct {
	Operation string      `json:"operation"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// SetResultPayload is the data payload of a successful SET_RESPONSE.
type SetResultPayload struct {
	Success   bool   `json:"success"`
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}

// DeleteResultPayload is the data payload of a successful DELETE_RESPONSE.
type DeleteResultPayload struct {
	Success bool   `json:"success"`
	Deleted string `json:"deleted"`
}

// QueryResultRow is one row of a successful QUERY_RESPONSE's data array:
// the key flattened alongside the value's own fields, per the wire
// shape "{key, ...fields}".
type QueryResultRow struct {
	Key    string
	Fields map[string]storage.Value
}

// MarshalJSON flattens Key and Fields into a single JSON object.
func (r QueryResultRow) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Fields)+1)
	for k, v := range r.Fields {
		out[k] = v.ToAny()
	}
	out["key"] = r.Key
	return json.Marshal(out)
}

// PingResultPayload is the data payload of a successful PING_RESPONSE.
type PingResultPayload struct {
	Pong bool `json:"pong"`
}
