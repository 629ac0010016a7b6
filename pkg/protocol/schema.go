package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	gschema "github.com/google/jsonschema-go/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

func nullable(types ...string) *gschema.Schema {
	return &gschema.Schema{Types: append(types, "null")}
}

// recordSchema describes one checkpoint record. Only Id is required; the
// backend omits or nulls optional fields freely.
func recordSchema() *gschema.Schema {
	return &gschema.Schema{
		Type:     "object",
		Required: []string{"Id"},
		Properties: map[string]*gschema.Schema{
			"Id":              {Type: "string"},
			"OpName":          nullable("string"),
			"NodeRank":        nullable("integer"),
			"MatchingEventId": nullable("string"),
			"Tag":             nullable("integer"),
			"IsSend":          nullable("boolean"),
			"CanBeRestored":   nullable("boolean"),
			"CurrentLocation": nullable("boolean"),
		},
	}
}

// logSchema describes the node keyed checkpoint log.
func logSchema() *gschema.Schema {
	return &gschema.Schema{
		Types: []string{"object", "null"},
		AdditionalProperties: &gschema.Schema{
			Types: []string{"array", "null"},
			Items: recordSchema(),
		},
	}
}

// confirmSchema accepts the node keyed rollback map, a list of records or ids,
// or any falsy scalar. Shape details are checked while decoding.
func confirmSchema() *gschema.Schema {
	return &gschema.Schema{
		Types: []string{"object", "array", "boolean", "null", "string", "number"},
		AdditionalProperties: &gschema.Schema{
			Types: []string{"object", "null"},
			Properties: map[string]*gschema.Schema{
				"Id": {Type: "string"},
			},
		},
	}
}

func envelopeSchema() *gschema.Schema {
	return &gschema.Schema{
		Type:     "object",
		Required: []string{"Type"},
		Properties: map[string]*gschema.Schema{
			"Type": {Type: "string"},
		},
	}
}

type validators struct {
	envelope *jsonschema.Schema
	log      *jsonschema.Schema
	confirm  *jsonschema.Schema
}

var (
	compileOnce sync.Once
	compiled    validators
	compileErr  error
)

func schemas() (validators, error) {
	compileOnce.Do(func() {
		var v validators
		if v.envelope, compileErr = compile("envelope", envelopeSchema()); compileErr != nil {
			return
		}
		if v.log, compileErr = compile("log", logSchema()); compileErr != nil {
			return
		}
		if v.confirm, compileErr = compile("confirm", confirmSchema()); compileErr != nil {
			return
		}
		compiled = v
	})
	return compiled, compileErr
}

func compile(name string, s *gschema.Schema) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	url := "mem://" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// SchemaJSON returns the JSON Schema document for a payload kind, for tooling
// that wants to check captures offline. ok is false for kinds without payload.
func SchemaJSON(k Kind) (doc []byte, ok bool) {
	var s *gschema.Schema
	switch k {
	case KindCheckpointUpdate, KindRollbackResult, KindCriuCheckpoint:
		s = logSchema()
	case KindRollbackConfirm:
		s = confirmSchema()
	default:
		return nil, false
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, false
	}
	return b, true
}

func validate(s *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return s.Validate(inst)
}
