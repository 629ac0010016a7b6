// Package protocol implements the websocket message protocol spoken with the
// debugger orchestrator. Every frame is an envelope {"Type": kind, "Value": payload}.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fastjson"

	"github.com/wilhg/ckptviz/pkg/checkpoint"
	"github.com/wilhg/ckptviz/pkg/errmodel"
)

// Kind is the discriminator of an envelope.
type Kind string

const (
	KindCheckpointUpdate Kind = "checkpointUpdate"
	KindRollbackResult   Kind = "rollbackResult"
	KindCriuRestore      Kind = "criuRestore"
	KindCriuCheckpoint   Kind = "criuCheckpoint"
	KindRollbackConfirm  Kind = "rollbackConfirm"

	KindRollbackSubmit Kind = "rollbackSubmit"
	KindRollbackCommit Kind = "rollbackCommit"
)

var (
	ErrUnknownKind = errmodel.Protocol("unknown_kind", "unknown message kind", nil, nil)
	ErrMalformed   = errmodel.Validation("malformed_message", "message does not match the protocol", nil)
)

// Inbound is one decoded notification from the orchestrator. The concrete type
// is one of CheckpointUpdate, RollbackResult, CriuRestore, CriuCheckpoint or
// RollbackConfirm.
type Inbound interface {
	Kind() Kind
	inbound()
}

// CheckpointUpdate carries the full current log.
type CheckpointUpdate struct{ Log checkpoint.Log }

// RollbackResult carries the log after a rollback attempt finished.
type RollbackResult struct{ Log checkpoint.Log }

// CriuRestore reports that processes were restored from a CRIU image.
type CriuRestore struct{}

// CriuCheckpoint reports that a CRIU image was taken, with the log current at that point.
type CriuCheckpoint struct{ Log checkpoint.Log }

// RollbackConfirm carries the events the orchestrator would roll back for the
// pending proposal. An empty set is a rejection.
type RollbackConfirm struct{ Affected []checkpoint.EventID }

func (CheckpointUpdate) Kind() Kind { return KindCheckpointUpdate }
func (RollbackResult) Kind() Kind   { return KindRollbackResult }
func (CriuRestore) Kind() Kind      { return KindCriuRestore }
func (CriuCheckpoint) Kind() Kind   { return KindCriuCheckpoint }
func (RollbackConfirm) Kind() Kind  { return KindRollbackConfirm }

func (CheckpointUpdate) inbound() {}
func (RollbackResult) inbound()   {}
func (CriuRestore) inbound()      {}
func (CriuCheckpoint) inbound()   {}
func (RollbackConfirm) inbound()  {}

// Rejected reports whether the orchestrator refused the proposal.
func (c RollbackConfirm) Rejected() bool { return len(c.Affected) == 0 }

var parserPool fastjson.ParserPool

// Decode parses and validates one inbound frame. Unknown kinds yield
// ErrUnknownKind; any shape problem yields an error matching ErrMalformed.
func Decode(data []byte) (Inbound, error) {
	v, err := schemas()
	if err != nil {
		return nil, errmodel.System("schema_compile", "compile protocol schemas", nil, err)
	}
	if err := validate(v.envelope, data); err != nil {
		return nil, malformed("envelope", err)
	}

	p := parserPool.Get()
	defer parserPool.Put(p)
	env, err := p.ParseBytes(data)
	if err != nil {
		return nil, malformed("envelope", err)
	}
	kind := Kind(env.GetStringBytes("Type"))
	value := env.Get("Value")

	switch kind {
	case KindCheckpointUpdate, KindRollbackResult, KindCriuCheckpoint:
		log, err := decodeLog(v, value)
		if err != nil {
			return nil, malformed(string(kind), err)
		}
		switch kind {
		case KindCheckpointUpdate:
			return CheckpointUpdate{Log: log}, nil
		case KindRollbackResult:
			return RollbackResult{Log: log}, nil
		default:
			return CriuCheckpoint{Log: log}, nil
		}
	case KindCriuRestore:
		return CriuRestore{}, nil
	case KindRollbackConfirm:
		if value != nil {
			if err := validate(v.confirm, value.MarshalTo(nil)); err != nil {
				return nil, malformed(string(kind), err)
			}
		}
		affected, err := ParseAffected(value)
		if err != nil {
			return nil, malformed(string(kind), err)
		}
		return RollbackConfirm{Affected: affected}, nil
	default:
		return nil, ErrUnknownKind.With(map[string]any{"kind": string(kind)})
	}
}

func decodeLog(v validators, value *fastjson.Value) (checkpoint.Log, error) {
	if value == nil {
		return checkpoint.NewLog(), nil
	}
	if err := validate(v.log, value.MarshalTo(nil)); err != nil {
		return checkpoint.Log{}, err
	}
	return checkpoint.LogFromValue(value)
}

// ParseAffected extracts event ids from a rollback confirm payload. The
// orchestrator sends an object keyed by node whose values are checkpoint
// records; arrays of records or of bare ids are accepted as well. Falsy
// payloads (null, false, 0, "", {} or []) yield no ids. Duplicates are dropped
// and document order is kept.
func ParseAffected(value *fastjson.Value) ([]checkpoint.EventID, error) {
	if value == nil {
		return nil, nil
	}
	var (
		out  []checkpoint.EventID
		seen = map[checkpoint.EventID]bool{}
	)
	add := func(item *fastjson.Value) error {
		var id []byte
		switch item.Type() {
		case fastjson.TypeNull:
			return nil
		case fastjson.TypeString:
			id = item.GetStringBytes()
		case fastjson.TypeObject:
			idv := item.Get("Id")
			if idv == nil {
				return fmt.Errorf("record has no Id")
			}
			b, err := idv.StringBytes()
			if err != nil {
				return fmt.Errorf("Id: %w", err)
			}
			id = b
		default:
			return fmt.Errorf("unexpected %s in affected set", item.Type())
		}
		eid := checkpoint.EventID(id)
		if eid == "" || seen[eid] {
			return nil
		}
		seen[eid] = true
		out = append(out, eid)
		return nil
	}

	switch value.Type() {
	case fastjson.TypeNull, fastjson.TypeFalse:
		return nil, nil
	case fastjson.TypeTrue:
		return nil, fmt.Errorf("bare true is not an affected set")
	case fastjson.TypeNumber:
		if value.GetFloat64() == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("number is not an affected set")
	case fastjson.TypeString:
		if len(value.GetStringBytes()) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("string is not an affected set")
	case fastjson.TypeArray:
		for _, item := range value.GetArray() {
			if err := add(item); err != nil {
				return nil, err
			}
		}
	case fastjson.TypeObject:
		obj := value.GetObject()
		var visitErr error
		obj.Visit(func(_ []byte, item *fastjson.Value) {
			if visitErr == nil {
				visitErr = add(item)
			}
		})
		if visitErr != nil {
			return nil, visitErr
		}
	}
	return out, nil
}

func malformed(where string, cause error) error {
	return errmodel.New(errmodel.CategoryValidation, ErrMalformed.Code, ErrMalformed.Message,
		map[string]any{"at": where}, cause)
}

// Outbound is one frame sent to the orchestrator.
type Outbound struct {
	Kind  Kind `json:"Type"`
	Value any  `json:"Value"`
}

// Submit proposes a rollback to event id.
func Submit(id checkpoint.EventID) Outbound {
	return Outbound{Kind: KindRollbackSubmit, Value: string(id)}
}

// Commit executes (true) or withdraws (false) the pending rollback.
func Commit(execute bool) Outbound {
	return Outbound{Kind: KindRollbackCommit, Value: execute}
}

// Encode renders the frame as JSON.
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// EncodeInbound renders an inbound notification as an envelope, the inverse of
// Decode. Replay captures are written with it.
func EncodeInbound(in Inbound) ([]byte, error) {
	env := struct {
		Type  Kind `json:"Type"`
		Value any  `json:"Value"`
	}{Type: in.Kind()}
	switch m := in.(type) {
	case CheckpointUpdate:
		env.Value = m.Log
	case RollbackResult:
		env.Value = m.Log
	case CriuCheckpoint:
		env.Value = m.Log
	case CriuRestore:
	case RollbackConfirm:
		if !m.Rejected() {
			ids := make([]string, len(m.Affected))
			for i, id := range m.Affected {
				ids[i] = string(id)
			}
			env.Value = ids
		}
	default:
		return nil, fmt.Errorf("encode inbound: unsupported %T", in)
	}
	return json.Marshal(env)
}
