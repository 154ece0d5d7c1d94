// Package hook parses the JSON payloads delivered on stdin by host hook
// invocations. Payloads are validated against a schema before extraction;
// events this program does not handle are reported with ErrIgnored so the
// caller can exit quietly.
package hook

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
)

// Kind classifies a hook event for the notifier.
type Kind string

const (
	// KindStart marks the beginning of a delegated task.
	KindStart Kind = "start"
	// KindCompletion marks a delegated task reporting its result.
	KindCompletion Kind = "completion"
)

// ErrIgnored reports a well-formed hook payload this program does not act on.
var ErrIgnored = errors.New("hook: event not handled")

// Event is an extracted hook payload the notifier acts on.
type Event struct {
	Kind      Kind
	SessionID string
	Title     string // short human label, start events only
	Content   string // correlation text shared by start and completion
	Response  string // raw tool response, completion events only
}

// trackedTool is the only tool whose pre/post hook pair the notifier
// correlates.
const trackedTool = "Task"

// payloadSchema is the envelope every hook payload must satisfy before
// field extraction. Tool-specific fields stay unvalidated on purpose; the
// host adds fields between releases and extraction tolerates extras.
const payloadSchema = `{
  "type": "object",
  "required": ["session_id", "hook_event_name"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "hook_event_name": {"type": "string", "minLength": 1},
    "tool_name": {"type": "string"}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		panic(fmt.Sprintf("hook: unmarshal payload schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("hook-payload.json", doc); err != nil {
		panic(fmt.Sprintf("hook: add schema resource: %v", err))
	}
	schema, err := c.Compile("hook-payload.json")
	if err != nil {
		panic(fmt.Sprintf("hook: compile payload schema: %v", err))
	}
	return schema
}

// Parse validates and extracts a hook payload. It returns ErrIgnored for
// events outside the tracked tool's pre/post pair; any other error means
// the payload was malformed.
func Parse(data []byte) (Event, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Event{}, fmt.Errorf("hook: invalid payload JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return Event{}, fmt.Errorf("hook: payload rejected: %w", err)
	}

	root := gjson.ParseBytes(data)
	eventName := root.Get("hook_event_name").String()
	toolName := root.Get("tool_name").String()

	if toolName != trackedTool {
		return Event{}, ErrIgnored
	}

	switch eventName {
	case "PreToolUse":
		return parseStart(root)
	case "PostToolUse":
		return parseCompletion(root)
	default:
		return Event{}, ErrIgnored
	}
}

func parseStart(root gjson.Result) (Event, error) {
	input := root.Get("tool_input")
	if !input.Exists() {
		return Event{}, errors.New("hook: start event missing tool_input")
	}
	description := input.Get("description").String()
	prompt := input.Get("prompt").String()
	content := correlationText(description, prompt)
	if content == "" {
		return Event{}, errors.New("hook: start event has no correlatable content")
	}
	return Event{
		Kind:      KindStart,
		SessionID: root.Get("session_id").String(),
		Title:     description,
		Content:   content,
	}, nil
}

func parseCompletion(root gjson.Result) (Event, error) {
	input := root.Get("tool_input")
	if !input.Exists() {
		return Event{}, errors.New("hook: completion event missing tool_input")
	}
	content := correlationText(input.Get("description").String(), input.Get("prompt").String())
	if content == "" {
		return Event{}, errors.New("hook: completion event has no correlatable content")
	}

	response := root.Get("tool_response")
	var responseText string
	if response.Exists() {
		if response.Type == gjson.String {
			responseText = response.String()
		} else {
			responseText = response.Raw
		}
	}
	return Event{
		Kind:      KindCompletion,
		SessionID: root.Get("session_id").String(),
		Content:   content,
		Response:  responseText,
	}, nil
}

// correlationText joins the fields that are identical between a tool's pre
// and post payloads. Both sides must derive the same text or the
// fingerprints will never meet.
func correlationText(description, prompt string) string {
	description = strings.TrimSpace(description)
	prompt = strings.TrimSpace(prompt)
	switch {
	case description == "":
		return prompt
	case prompt == "":
		return description
	default:
		return description + "\n" + prompt
	}
}
