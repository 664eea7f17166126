package router

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/orderflow/runtime/dialog/intent"
)

// argSchemas validates completed intent slot values before they reach the
// business agents. The classifier output is untrusted input: an LLM provider
// can hallucinate argument shapes, so everything is checked against a JSON
// schema keyed by category.action.
type argSchemas struct {
	byKey map[string]*jsonschema.Schema
}

// rawSchemas are the per-action argument schemas. Slot values are always
// strings on the wire; the schemas constrain their shape.
var rawSchemas = map[string]string{
	"product.add": `{
		"type": "object",
		"properties": {
			"productName": {"type": "string", "minLength": 1},
			"quantity": {"type": "string", "pattern": "^[0-9]{1,2}$"}
		},
		"required": ["productName", "quantity"]
	}`,
	"product.remove": `{
		"type": "object",
		"properties": {
			"productName": {"type": "string", "minLength": 1}
		},
		"required": ["productName"]
	}`,
	"product.search": `{
		"type": "object",
		"properties": {
			"productName": {"type": "string", "minLength": 1}
		},
		"required": ["productName"]
	}`,
	"coupon.apply": `{
		"type": "object",
		"properties": {
			"couponCode": {"type": "string", "pattern": "^[A-Z][A-Z0-9]{3,}$"}
		},
		"required": ["couponCode"]
	}`,
	"order.delivery": `{
		"type": "object",
		"properties": {
			"phone": {"type": "string", "pattern": "^[0-9]{9,11}$"},
			"address": {"type": "string", "minLength": 2}
		},
		"required": ["phone", "address"]
	}`,
	"order.status": `{
		"type": "object",
		"properties": {
			"orderID": {"type": "string", "minLength": 4}
		},
		"required": ["orderID"]
	}`,
	"order.cancel": `{
		"type": "object",
		"properties": {
			"orderID": {"type": "string", "minLength": 4}
		},
		"required": ["orderID"]
	}`,
}

// compileArgSchemas compiles the schema table once at router construction.
func compileArgSchemas() (*argSchemas, error) {
	c := jsonschema.NewCompiler()
	for key, raw := range rawSchemas {
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", key, err)
		}
		if err := c.AddResource(key+".json", doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", key, err)
		}
	}
	byKey := make(map[string]*jsonschema.Schema, len(rawSchemas))
	for key := range rawSchemas {
		schema, err := c.Compile(key + ".json")
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", key, err)
		}
		byKey[key] = schema
	}
	return &argSchemas{byKey: byKey}, nil
}

// validate checks the intent's slots against its action schema. Intents with
// no schema pass: the dispatch table decides whether the action exists.
func (s *argSchemas) validate(it intent.Intent) error {
	schema, ok := s.byKey[it.Key()]
	if !ok {
		return nil
	}
	args := make(map[string]any, len(it.Slots))
	for name, v := range it.Slots {
		args[name] = v
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("arguments for %s rejected: %w", it.Key(), err)
	}
	return nil
}
