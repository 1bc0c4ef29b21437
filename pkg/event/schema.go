package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema is the wire contract for inbound envelopes. Events arriving
// from outside the process (imports, replays from an external tape) are
// validated against this before they are trusted.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "event_type", "event_version", "source_cell", "domain", "actor", "timestamp", "correlation_id", "payload", "audit_required"],
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "event_type": {"type": "string", "pattern": "^[a-z0-9_-]+(\\.[a-z0-9_-]+)+$"},
    "event_version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
    "source_cell": {"type": "string", "minLength": 1},
    "domain": {"enum": ["GOVERNANCE", "ACCOUNTING", "HR", "SALES", "WAREHOUSE", "PRODUCTION", "SYSTEM"]},
    "actor": {
      "type": "object",
      "required": ["persona"],
      "properties": {
        "persona": {"type": "string", "minLength": 1},
        "user_id": {"type": "string"},
        "session_id": {"type": "string"}
      }
    },
    "timestamp": {"type": "integer", "minimum": 0},
    "correlation_id": {"type": "string", "minLength": 1},
    "causation_id": {"type": ["string", "null"]},
    "payload": {},
    "audit_required": {"type": "boolean"}
  }
}`

var compiledSchema = jsonschema.MustCompileString("envelope.json", envelopeSchema)

// ValidateWire validates a raw JSON envelope against the wire schema and
// decodes it. Schema failures are returned before any field is trusted.
func ValidateWire(data []byte) (*Event, error) {
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("event: malformed envelope: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("event: envelope schema violation: %w", err)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("event: envelope decode: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return &evt, nil
}
