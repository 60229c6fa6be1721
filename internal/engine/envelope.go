package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema is the wire contract for command submission from any source.
const envelopeSchema = `{
	"type": "object",
	"properties": {
		"trace_id": {"type": "string"},
		"source": {"type": "string"},
		"source_msg_id": {"type": "string", "pattern": "^[^:\\s]+:[^:\\s]+:[^:\\s]+$"},
		"command": {
			"type": "object",
			"properties": {
				"intent": {"type": "string", "minLength": 1, "pattern": "^[a-z_]+\\.[a-z_]+$"},
				"confidence": {"type": "number", "minimum": 0, "maximum": 1},
				"entities": {"type": "object"}
			},
			"required": ["intent"]
		},
		"reply": {
			"type": "object",
			"properties": {
				"token": {"type": "string", "minLength": 1},
				"choice_id": {"type": "string", "minLength": 1}
			},
			"required": ["token", "choice_id"]
		}
	},
	"anyOf": [{"required": ["command"]}, {"required": ["reply"]}]
}`

// Envelope wraps one command with its delivery identity.
type Envelope struct {
	TraceID     string  `json:"trace_id,omitempty"`
	Source      string  `json:"source,omitempty"`
	SourceMsgID string  `json:"source_msg_id,omitempty"`
	Command     Command `json:"command"`
	Reply       *Reply  `json:"reply,omitempty"`
}

// Reply answers an earlier clarifying question instead of carrying a new command.
type Reply struct {
	Token    string `json:"token"`
	ChoiceID string `json:"choice_id"`
}

// Command is an intent plus its entities. A nil Confidence means 1.
type Command struct {
	Intent     string   `json:"intent"`
	Confidence *float64 `json:"confidence,omitempty"`
	Entities   Entities `json:"entities,omitempty"`
}

// ConfidenceOrDefault returns the declared confidence, 1 when absent.
func (c Command) ConfidenceOrDefault() float64 {
	if c.Confidence == nil {
		return 1
	}
	return *c.Confidence
}

// ValidationError describes an envelope that does not match the schema.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// EnvelopeValidator checks raw envelopes against the compiled schema.
type EnvelopeValidator struct {
	schema *jsonschema.Schema
}

// NewEnvelopeValidator compiles the envelope schema.
func NewEnvelopeValidator() (*EnvelopeValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &EnvelopeValidator{schema: schema}, nil
}

// Parse validates raw and decodes it into an Envelope.
func (v *EnvelopeValidator) Parse(raw []byte) (Envelope, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Envelope{}, &ValidationError{Message: "envelope is not valid JSON: " + err.Error()}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return Envelope{}, &ValidationError{Message: "envelope does not match schema: " + err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, &ValidationError{Message: "decode envelope: " + err.Error()}
	}
	env.Command.Intent = strings.TrimSpace(env.Command.Intent)
	if env.Command.Entities == nil {
		env.Command.Entities = Entities{}
	}
	return env, nil
}

// Entities is the loosely typed argument bag of a command.
type Entities map[string]any

// Has reports whether key is present and not blank.
func (e Entities) Has(key string) bool {
	v, ok := e[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// String returns the value of key as trimmed text.
func (e Entities) String(key string) string {
	switch v := e[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns key as an integer. Numeric strings such as "#12" or "12" are accepted.
func (e Entities) Int(key string) (int64, bool) {
	switch v := e[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(v), "#"), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Map returns a nested object entity.
func (e Entities) Map(key string) Entities {
	switch v := e[key].(type) {
	case map[string]any:
		return Entities(v)
	case Entities:
		return v
	}
	return nil
}

// Clone returns a shallow copy that can be modified independently.
func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for k, v := range e {
		if m, ok := v.(map[string]any); ok {
			v = map[string]any(Entities(m).Clone())
		}
		out[k] = v
	}
	return out
}

// When resolves a point in time from "planned_at" (RFC 3339, or local
// "YYYY-MM-DD HH:MM") or from separate "date" and "time" entities, read in
// loc. A date without a time means 09:00 local.
func (e Entities) When(prefix string, loc *time.Location) (time.Time, bool, error) {
	key := "planned_at"
	if prefix != "" {
		key = prefix
	}
	if raw := e.String(key); raw != "" {
		t, err := parseLocalTime(raw, loc)
		return t, true, err
	}
	if prefix != "" {
		return time.Time{}, false, nil
	}
	date := e.String("date")
	if date == "" {
		return time.Time{}, false, nil
	}
	clock := e.String("time")
	if clock == "" {
		clock = "09:00"
	}
	t, err := parseLocalTime(date+" "+clock, loc)
	return t, true, err
}

func parseLocalTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot read %q as a time, use YYYY-MM-DD HH:MM", raw)
}
