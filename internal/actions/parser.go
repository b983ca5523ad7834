// Package actions provides the default parser that extracts action
// requests from streamed assistant text. Actions are requested as fenced
// blocks:
//
//	```action
//	{"name": "read_file", "arguments": {"path": "main.go"}}
//	```
//
// The body is repaired with jsonrepair before decoding, since streamed
// model output routinely drops quotes or trailing braces.
package actions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"tempo/internal/logging"
	"tempo/internal/ports"
)

const (
	fenceOpen  = "```action"
	fenceClose = "```"
)

type parser struct {
	logger logging.Logger
}

// NewParser returns the fenced-block action parser.
func NewParser(logger logging.Logger) ports.ActionParser {
	return &parser{logger: logging.OrNop(logger)}
}

type actionBody struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Parse finds the first complete action block in the accumulated text.
// It returns nil while the block is still streaming in.
func (p *parser) Parse(content string) (*ports.ActionRequest, int, error) {
	start := strings.Index(content, fenceOpen)
	if start < 0 {
		return nil, 0, nil
	}
	bodyStart := start + len(fenceOpen)
	rel := strings.Index(content[bodyStart:], fenceClose)
	if rel < 0 {
		// Opening fence seen, closing fence not streamed yet.
		return nil, 0, nil
	}
	end := bodyStart + rel + len(fenceClose)
	raw := strings.TrimSpace(content[bodyStart : bodyStart+rel])
	if raw == "" {
		return nil, 0, fmt.Errorf("empty action block")
	}

	body, err := decodeBody(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("decode action block: %w", err)
	}
	if body.Name == "" {
		return nil, 0, fmt.Errorf("action block missing name")
	}

	return &ports.ActionRequest{
		ID:        uuid.NewString(),
		Name:      body.Name,
		Arguments: body.Arguments,
		Raw:       content[start:end],
	}, end, nil
}

func decodeBody(raw string) (actionBody, error) {
	var body actionBody
	if err := json.Unmarshal([]byte(raw), &body); err == nil {
		return body, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return actionBody{}, err
	}
	if err := json.Unmarshal([]byte(repaired), &body); err != nil {
		return actionBody{}, err
	}
	return body, nil
}
