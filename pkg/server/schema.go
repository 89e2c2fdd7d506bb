package server

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request bodies are validated against compiled JSON Schemas before any
// handler logic runs, so malformed submissions are rejected with a 400
// instead of surfacing as half-applied state.

const heartbeatSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["node_id"],
  "properties": {
    "node_id": {"type": "string", "minLength": 1},
    "health": {"enum": ["GREEN", "YELLOW", "RED"]},
    "attestation": {
      "type": "object",
      "required": ["build_id", "capability_hash"],
      "properties": {
        "build_id": {"type": "string", "minLength": 1},
        "capability_hash": {"type": "string", "minLength": 1},
        "runtime_descriptor": {"type": "string"}
      }
    },
    "current_jobs": {"type": "array", "items": {"type": "string"}}
  }
}`

const requestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["idempotency_key", "kind"],
  "properties": {
    "idempotency_key": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "minLength": 1},
    "params": {"type": "object"}
  }
}`

const resultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["result_id", "job_id", "ok", "integrity"],
  "properties": {
    "result_id": {"type": "string", "minLength": 1},
    "job_id": {"type": "string", "minLength": 1},
    "ok": {"type": "boolean"},
    "result": {"type": "object"},
    "error": {"type": "string"},
    "integrity": {
      "type": "object",
      "required": ["digest"],
      "properties": {
        "mode": {"type": "string", "minLength": 1},
        "digest": {"type": "string", "minLength": 1}
      }
    }
  }
}`

type bodySchemas struct {
	heartbeat *jsonschema.Schema
	request   *jsonschema.Schema
	result    *jsonschema.Schema
}

func compileSchemas() (*bodySchemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	compile := func(name, raw string) (*jsonschema.Schema, error) {
		url := fmt.Sprintf("https://hub.schemas.local/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("server: load %s schema: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("server: compile %s schema: %w", name, err)
		}
		return compiled, nil
	}

	s := &bodySchemas{}
	var err error
	if s.heartbeat, err = compile("heartbeat", heartbeatSchema); err != nil {
		return nil, err
	}
	if s.request, err = compile("request", requestSchema); err != nil {
		return nil, err
	}
	if s.result, err = compile("result", resultSchema); err != nil {
		return nil, err
	}
	return s, nil
}
