package wasmhost

import "encoding/json"

func extractWorkflowID(payload []byte) string {
	var m struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	return m.WorkflowID
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
