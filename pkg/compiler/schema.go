package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// pipelineSchema is the structural contract for pipeline documents. It is
// checked before any typed decoding so authors get positional errors.
const pipelineSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["name", "jobs"],
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string", "minLength": 3},
		"schedule": {"type": "string"},
		"env": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"triggers": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"branches": {"type": "array", "items": {"type": "string"}},
				"paths": {"type": "array", "items": {"type": "string"}}
			}
		},
		"jobs": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "steps"],
				"additionalProperties": false,
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"needs": {"type": "array", "items": {"type": "string"}},
					"if": {"type": "string"},
					"matrix": {
						"type": "object",
						"additionalProperties": {
							"type": "array",
							"items": {"type": "string"}
						}
					},
					"steps": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["run"],
							"additionalProperties": false,
							"properties": {
								"name": {"type": "string"},
								"run": {"type": "string", "minLength": 1}
							}
						}
					},
					"labels": {"type": "array", "items": {"type": "string"}},
					"env": {
						"type": "object",
						"additionalProperties": {"type": "string"}
					},
					"artifacts": {"type": "array", "items": {"type": "string"}},
					"run_on_failure": {"type": "boolean"},
					"retries": {"type": "integer", "minimum": 0, "maximum": 10},
					"timeout_seconds": {"type": "integer", "minimum": 0}
				}
			}
		}
	}
}`

// validateDocument checks a decoded document against the pipeline schema.
func validateDocument(document any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(pipelineSchema),
		gojsonschema.NewGoLoader(document),
	)
	if err != nil {
		return fmt.Errorf("failed to run schema validation: %w", err)
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}

	return errors.New("pipeline document is invalid: " + strings.Join(details, "; "))
}
