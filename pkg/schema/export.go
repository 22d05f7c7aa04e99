package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document from
// the Go Playbook struct using invopop/jsonschema.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&Playbook{})
	s.ID = "https://github.com/reflexsec/reflex/schemas/playbook-v1.json"
	s.Title = "Reflex Response Playbook v1"
	s.Description = "Schema for reflex playbook YAML documents (Draft 2020-12)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

// GeneratePolicyJSONSchema produces a JSON Schema Draft 2020-12 document
// from the Go ApprovalPolicy struct using invopop/jsonschema.
func GeneratePolicyJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&ApprovalPolicy{})
	s.ID = "https://github.com/reflexsec/reflex/schemas/approval-policy-v1.json"
	s.Title = "Reflex Approval Policy v1"
	s.Description = "Schema for reflex approval policy YAML documents (Draft 2020-12)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal policy schema: %w", err)
	}
	return data, nil
}
