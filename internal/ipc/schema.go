package ipc

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Payload schemas, validated before any coordinator mutation.
// Requests without an entry accept an absent or empty payload.
var payloadSchemas = map[string]string{
	ReqSessionGet:    sessionSchema,
	ReqSessionPause:  sessionSchema,
	ReqSessionResume: sessionSchema,
	ReqSessionStop:   sessionSchema,
	ReqSessionRemove: sessionSchema,
	ReqPlanCancel:    sessionSchema,
	ReqPlanRestart:   planCreateSchema,
	ReqExecPause:     sessionSchema,
	ReqExecResume:    sessionSchema,
	ReqExecStop:      sessionSchema,
	ReqExecStatus:    sessionSchema,

	ReqPlanCreate: planCreateSchema,

	ReqPlanApprove: `{
		"type": "object",
		"required": ["sessionId", "planContent"],
		"properties": {
			"sessionId":   {"type": "string", "minLength": 1},
			"planContent": {"type": "string", "minLength": 1}
		}
	}`,

	ReqPlanRevise: `{
		"type": "object",
		"required": ["sessionId", "revisionText"],
		"properties": {
			"sessionId":    {"type": "string", "minLength": 1},
			"revisionText": {"type": "string", "minLength": 1}
		}
	}`,

	ReqPoolResize: `{
		"type": "object",
		"required": ["size"],
		"properties": {
			"size": {"type": "integer", "minimum": 1, "maximum": 20}
		}
	}`,

	ReqExecStart: `{
		"type": "object",
		"required": ["sessionId", "planContent"],
		"properties": {
			"sessionId":   {"type": "string", "minLength": 1},
			"planContent": {"type": "string", "minLength": 1}
		}
	}`,

	ReqWorkflowRetry: `{
		"type": "object",
		"required": ["workflowId"],
		"properties": {
			"workflowId": {"type": "string", "minLength": 1}
		}
	}`,

	ReqAgentComplete: `{
		"type": "object",
		"required": ["sessionId", "workflowId", "stage", "result"],
		"properties": {
			"sessionId":  {"type": "string", "minLength": 1},
			"workflowId": {"type": "string", "minLength": 1},
			"stage": {
				"type": "string",
				"enum": ["context", "delta_context", "implementation", "review",
				         "analysis", "error_analysis", "finalize", "planning"]
			},
			"taskId": {"type": "string"},
			"result": {"type": "string", "minLength": 1},
			"data":   {}
		}
	}`,
}

const sessionSchema = `{
	"type": "object",
	"required": ["sessionId"],
	"properties": {
		"sessionId": {"type": "string", "minLength": 1}
	}
}`

const planCreateSchema = `{
	"type": "object",
	"required": ["sessionId", "requirement"],
	"properties": {
		"sessionId":   {"type": "string", "minLength": 1},
		"requirement": {"type": "string", "minLength": 1}
	}
}`

var compiledSchemas = func() map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(payloadSchemas))
	for reqType, raw := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("ipc: invalid payload schema for %s: %v", reqType, err))
		}
		out[reqType] = schema
	}
	return out
}()

// validatePayload checks req.Payload against its type's schema, if any.
func validatePayload(req *Request) error {
	schema, ok := compiledSchemas[req.Type]
	if !ok {
		return nil
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("request %q requires a payload", req.Type)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(req.Payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("invalid payload: %s", result.Errors()[0].String())
	}
	return nil
}
