// Package dispatch routes inbound envelopes to storage operations and
// produces correlated response envelopes, per the broker's four-step
// request lifecycle: resolve handler, resolve adapter, invoke, notify.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kvbridge/kvbridge/internal/fanout"
	"github.com/kvbridge/kvbridge/internal/protocol"
	"github.com/kvbridge/kvbridge/internal/session"
	"github.com/kvbridge/kvbridge/internal/storage"
)

// AdapterResolver returns the storage adapter to use for a session's
// platform, or false if no adapter is configured for it.
type AdapterResolver func(session.Platform) (storage.Adapter, bool)

// Dispatcher routes envelopes by opcode to the matching storage
// operation and emits fan-out notifications for successful mutations.
type Dispatcher struct {
	log      *slog.Logger
	registry *fanout.Registry
	adapters AdapterResolver

	// BatchStopOnError controls whether a failing BATCH sub-operation
	// aborts the remaining operations. The broker's chosen default
	// (continue) is the spec's open-question resolution; operations
	// are independent and there is no rollback either way.
	BatchStopOnError bool
}

// New creates a dispatcher backed by registry for fan-out and adapters
// for platform-to-storage resolution. A nil logger falls back to
// slog.Default().
func New(log *slog.Logger, registry *fanout.Registry, adapters AdapterResolver) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, registry: registry, adapters: adapters}
}

// Handle processes one inbound envelope from s and returns the
// response envelope to send back. It never panics the caller's
// goroutine: every error path is converted to an ERROR envelope.
func (d *Dispatcher) Handle(ctx context.Context, s *session.Session, req protocol.Envelope) protocol.Envelope {
	if !req.Type.IsRequest() {
		return errorEnvelope(req.RequestID, (&protocol.ErrUnknownOpcode{Opcode: req.Type.String()}).Error())
	}

	adapter, ok := d.adapters(s.Platform)
	if !ok {
		return errorEnvelope(req.RequestID, fmt.Sprintf("No storage adapter configured for platform: %s", s.Platform))
	}

	data, err := d.invoke(ctx, s, adapter, req.Type, req.Payload)
	if err != nil {
		return errorEnvelope(req.RequestID, err.Error())
	}

	respType, _ := req.Type.ResponseType()
	raw, err := json.Marshal(data)
	if err != nil {
		return errorEnvelope(req.RequestID, err.Error())
	}
	return protocol.Envelope{
		Type:      respType,
		RequestID: req.RequestID,
		Success:   protocol.BoolPtr(true),
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}
}

// invoke executes a single request opcode (including BATCH's
// individual sub-operations) against adapter and returns its wire
// data payload.
func (d *Dispatcher) invoke(ctx context.Context, s *session.Session, adapter storage.Adapter, op protocol.Opcode, payload json.RawMessage) (interface{}, error) {
	switch op {
	case protocol.OpGet:
		var p protocol.GetPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		value, err := adapter.Get(ctx, p.Collection, p.Key, p.Options)
		if err != nil {
			return nil, err
		}
		return value, nil

	case protocol.OpSet:
		var p protocol.SetPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		result, err := adapter.Set(ctx, p.Collection, p.Key, p.Value, p.Options)
		if err != nil {
			return nil, err
		}
		d.notify(s, p.Collection, p.Key, "SET", p.Value)
		return protocol.SetResultPayload{Success: true, Key: result.Key, Timestamp: result.Timestamp}, nil

	case protocol.OpDelete:
		var p protocol.DeletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		result, err := adapter.Delete(ctx, p.Collection, p.Key, p.Options)
		if err != nil {
			return nil, err
		}
		d.notify(s, p.Collection, p.Key, "DELETE", storage.Null)
		return protocol.DeleteResultPayload{Success: true, Deleted: result.Deleted}, nil

	case protocol.OpQuery:
		var p protocol.QueryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		rows, err := adapter.Query(ctx, p.Collection, p.Query, p.Options)
		if err != nil {
			return nil, err
		}
		out := make([]protocol.QueryResultRow, len(rows))
		for i, r := range rows {
			out[i] = protocol.QueryResultRow{Key: r.Key, Fields: r.Fields}
		}
		return out, nil

	case protocol.OpSubscribe:
		var p protocol.SubscribePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		d.registry.Subscribe(s, session.Key{Collection: p.Collection, Pattern: p.Pattern})
		return map[string]bool{"success": true}, nil

	case protocol.OpUnsubscribe:
		var p protocol.SubscribePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		if !d.registry.Unsubscribe(s, session.Key{Collection: p.Collection, Pattern: p.Pattern}) {
			return nil, fmt.Errorf("not subscribed to %s/%s", p.Collection, p.Pattern)
		}
		return map[string]bool{"success": true}, nil

	case protocol.OpPing:
		return protocol.PingResultPayload{Pong: true}, nil

	case protocol.OpBatch:
		var p protocol.BatchPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return d.runBatch(ctx, s, adapter, p), nil
	}

	return nil, &protocol.ErrUnknownOpcode{Opcode: op.String()}
}

// runBatch executes each sub-operation in order against the same
// adapter and session, recording a result or error per entry and
// preserving input order in the response. A failing sub-operation
// continues to the next unless BatchStopOnError is set.
func (d *Dispatcher) runBatch(ctx context.Context, s *session.Session, adapter storage.Adapter, p protocol.BatchPayload) []protocol.BatchResultEntry {
	results := make([]protocol.BatchResultEntry, 0, len(p.Operations))
	for _, op := range p.Operations {
		data, err := d.invoke(ctx, s, adapter, op.Type, op.Payload)
		entry := protocol.BatchResultEntry{Operation: op.ID}
		if err != nil {
			entry.Error = err.Error()
			results = append(results, entry)
			if d.BatchStopOnError {
				break
			}
			continue
		}
		entry.Result = data
		results = append(results, entry)
	}
	return results
}

// notify emits a fan-out notification for a successful mutation,
// before Handle returns control to the caller, preserving
// notify-after-commit ordering.
func (d *Dispatcher) notify(originator *session.Session, collection, key, operation string, value storage.Value) {
	raw, err := value.MarshalJSON()
	if err != nil {
		d.log.Warn("failed to encode notification value", "collection", collection, "key", key, "error", err)
		return
	}
	d.registry.Notify(collection, key, operation, raw, originator)
}

func errorEnvelope(requestID *int64, message string) protocol.Envelope {
	return protocol.Envelope{
		Type:      protocol.OpError,
		RequestID: requestID,
		Success:   protocol.BoolPtr(false),
		Error:     message,
		Timestamp: time.Now().UnixMilli(),
	}
}
