package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/valyala/fastjson"
)

var parserPool fastjson.ParserPool

// ParseLog decodes the orchestrator's checkpoint log object
// ({"<node>": [record, ...], ...}). Node order follows the key order of the
// document. A JSON null decodes to the empty log.
func ParseLog(data []byte) (Log, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return Log{}, fmt.Errorf("parse checkpoint log: %w", err)
	}
	return LogFromValue(v)
}

// LogFromValue decodes an already parsed fastjson value. See ParseLog.
func LogFromValue(v *fastjson.Value) (Log, error) {
	if v == nil || v.Type() == fastjson.TypeNull {
		return NewLog(), nil
	}
	obj, err := v.Object()
	if err != nil {
		return Log{}, fmt.Errorf("checkpoint log: %w", err)
	}
	var (
		nodes    []NodeLog
		visitErr error
	)
	obj.Visit(func(key []byte, nv *fastjson.Value) {
		if visitErr != nil {
			return
		}
		node := NodeID(key)
		events, err := eventsFromValue(nv)
		if err != nil {
			visitErr = fmt.Errorf("node %s: %w", node, err)
			return
		}
		nodes = append(nodes, NodeLog{Node: node, Events: events})
	})
	if visitErr != nil {
		return Log{}, visitErr
	}
	return NewLog(nodes...), nil
}

func eventsFromValue(v *fastjson.Value) ([]Event, error) {
	if v.Type() == fastjson.TypeNull {
		return nil, nil
	}
	arr, err := v.Array()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(arr))
	for i, ev := range arr {
		e, err := EventFromValue(ev)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// EventFromValue decodes a single checkpoint record. Only Id is mandatory;
// absent booleans read as false and absent optional fields as nil.
func EventFromValue(v *fastjson.Value) (Event, error) {
	if v.Type() != fastjson.TypeObject {
		return Event{}, fmt.Errorf("record is %s, want object", v.Type())
	}
	idv := v.Get("Id")
	if idv == nil {
		return Event{}, fmt.Errorf("record has no Id")
	}
	id, err := idv.StringBytes()
	if err != nil {
		return Event{}, fmt.Errorf("Id: %w", err)
	}
	e := Event{ID: EventID(id)}
	if e.OpName, err = optString(v, "OpName"); err != nil {
		return Event{}, err
	}
	if e.CanBeRestored, err = optBool(v, "CanBeRestored"); err != nil {
		return Event{}, err
	}
	if e.CurrentLocation, err = optBool(v, "CurrentLocation"); err != nil {
		return Event{}, err
	}
	if e.IsSend, err = optBool(v, "IsSend"); err != nil {
		return Event{}, err
	}
	if e.NodeRank, err = optInt(v, "NodeRank"); err != nil {
		return Event{}, err
	}
	if e.Tag, err = optInt(v, "Tag"); err != nil {
		return Event{}, err
	}
	if mv := v.Get("MatchingEventId"); mv != nil && mv.Type() != fastjson.TypeNull {
		m, err := mv.StringBytes()
		if err != nil {
			return Event{}, fmt.Errorf("MatchingEventId: %w", err)
		}
		mid := EventID(m)
		e.MatchingEventID = &mid
	}
	return e, nil
}

func optString(v *fastjson.Value, key string) (string, error) {
	f := v.Get(key)
	if f == nil || f.Type() == fastjson.TypeNull {
		return "", nil
	}
	b, err := f.StringBytes()
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return string(b), nil
}

func optBool(v *fastjson.Value, key string) (bool, error) {
	f := v.Get(key)
	if f == nil || f.Type() == fastjson.TypeNull {
		return false, nil
	}
	b, err := f.Bool()
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func optInt(v *fastjson.Value, key string) (*int, error) {
	f := v.Get(key)
	if f == nil || f.Type() == fastjson.TypeNull {
		return nil, nil
	}
	n, err := f.Int()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &n, nil
}

// MarshalJSON writes the log as an object keyed by node id, in node order.
func (l Log) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, n := range l.nodes {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(string(n.Node))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		events := n.Events
		if events == nil {
			events = []Event{}
		}
		b, err := json.Marshal(events)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes with ParseLog so node order survives.
func (l *Log) UnmarshalJSON(data []byte) error {
	parsed, err := ParseLog(data)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
