// Package intake feeds task requests from outside sources into the
// orchestrator.
package intake

import (
	"encoding/json"
	"fmt"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/resilience"
)

// Submitter accepts task requests. *orchestrator.Orchestrator implements it.
type Submitter interface {
	SubmitRequest(req domain.TaskRequest) (string, error)
}

// fileRequest accepts both {"kind","input"} and the older
// {"type","input_data"} field names.
type fileRequest struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Type      string          `json:"type"`
	Input     json.RawMessage `json:"input"`
	InputData json.RawMessage `json:"input_data"`
	Priority  int             `json:"priority"`
}

// DecodeRequest parses a task request document and validates its kind.
func DecodeRequest(data []byte) (domain.TaskRequest, error) {
	var fr fileRequest
	if err := json.Unmarshal(data, &fr); err != nil {
		return domain.TaskRequest{}, &resilience.ParseError{Err: err}
	}

	name := fr.Kind
	if name == "" {
		name = fr.Type
	}
	kind, err := domain.ParseKind(name)
	if err != nil {
		return domain.TaskRequest{}, &resilience.ValidationError{Field: "kind", Err: err}
	}

	input := fr.Input
	if len(input) == 0 {
		input = fr.InputData
	}
	if len(input) > 0 && !json.Valid(input) {
		return domain.TaskRequest{}, &resilience.ParseError{Err: fmt.Errorf("input is not valid JSON")}
	}

	return domain.TaskRequest{
		ID:       fr.ID,
		Kind:     kind,
		Input:    input,
		Priority: fr.Priority,
	}, nil
}

func encodeRequest(req domain.TaskRequest) string {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Sprintf("%+v", req)
	}
	return string(data)
}
