package nodeconfig

import (
	"reflect"
	"strings"

	"github.com/coral-run/node/internal/registry"
)

// Schema is the JSON document internal/schemapub publishes to the
// registration endpoint so a pipeline builder knows what this node
// consumes, produces, and configures with (spec 4.2 point 4, spec 4.7).
type Schema struct {
	NodeID  string                 `json:"node_id"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Returns map[string]interface{} `json:"returns,omitempty"`
}

// BuildSchema reflects over the node's registered params/return sample
// values to produce a field-name -> Go-type-name map. This is
// intentionally shallow (spec 4.2 only asks that the schema be
// "sufficient to describe the shape", not a full JSON Schema document).
func BuildSchema(nodeID string, params *registry.ParamsRegistry, ret *registry.ReturnRegistry) *Schema {
	s := &Schema{NodeID: nodeID}
	if _, sample, ok := params.DefaultType(); ok {
		s.Params = describe(sample)
	}
	if _, sample, ok := ret.DefaultType(); ok {
		s.Returns = describe(sample)
	}
	return s
}

func describe(sample interface{}) map[string]interface{} {
	v := reflect.ValueOf(sample)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v = reflect.New(v.Type().Elem()).Elem()
			break
		}
		v = v.Elem()
	}
	out := make(map[string]interface{})
	if v.Kind() != reflect.Struct {
		out["_type"] = v.Type().String()
		return out
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name := tag
		if comma := strings.Index(tag, ","); comma >= 0 {
			name = tag[:comma]
		}
		if name == "" {
			name = f.Name
		}
		out[name] = f.Type.String()
	}
	return out
}
