package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// proposalPayloadSchema validates submitted proposal payloads before they
// enter the store. Deliberately permissive about extra fields; strict about
// the shapes the router and consent ledger later parse.
const proposalPayloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"description": {"type": "string"},
		"targeting": {
			"type": "object",
			"properties": {
				"requirements": {
					"type": "object",
					"properties": {
						"work_type": {"type": "string"},
						"capabilities": {"type": "array", "items": {"type": "string"}},
						"models": {"type": "array", "items": {"type": "string"}},
						"allowed_tags": {"type": "array", "items": {"type": "string"}},
						"blocked_tags": {"type": "array", "items": {"type": "string"}},
						"min_agent_version": {"type": "string"}
					}
				},
				"policy": {"enum": ["QUEUE", "EXPIRE"]},
				"assignment_ttl_seconds": {"type": "integer", "minimum": 1},
				"ttl_seconds": {"type": "integer", "minimum": 1}
			}
		}
	}
}`

var payloadSchema = jsonschema.MustCompileString("proposal_payload.json", proposalPayloadSchema)

// validatePayload checks a proposal payload against the schema.
func validatePayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := payloadSchema.Validate(doc); err != nil {
		return fmt.Errorf("payload rejected by schema: %w", err)
	}
	return nil
}
