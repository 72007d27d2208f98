package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// wordListSchemaJSON is the JSON Schema for the text-generation output: a
// non-empty array of word/description pairs. Embedded as a constant to
// avoid filesystem dependencies.
const wordListSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://spelling-game.dev/schemas/word-list.json",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["word", "description"],
    "properties": {
      "word": { "type": "string", "minLength": 1 },
      "description": { "type": "string", "minLength": 1 }
    },
    "additionalProperties": true
  }
}`

// questionsRequestSchemaJSON validates the POST /questions body.
const questionsRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://spelling-game.dev/schemas/questions-request.json",
  "type": "object",
  "required": ["language"],
  "properties": {
    "language": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

// answersRequestSchemaJSON validates the POST /answers body.
const answersRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://spelling-game.dev/schemas/answers-request.json",
  "type": "object",
  "required": ["language", "answers"],
  "properties": {
    "language": { "type": "string", "minLength": 1 },
    "answers": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "word"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "word": { "type": "string" }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// PayloadValidator validates external payloads (model output, API request
// bodies) against pre-compiled JSON Schemas. Safe for concurrent use.
type PayloadValidator struct {
	wordList         *jsonschema.Schema
	questionsRequest *jsonschema.Schema
	answersRequest   *jsonschema.Schema

	// mu guards the cache for dynamically compiled schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewPayloadValidator compiles the built-in schemas.
func NewPayloadValidator() (*PayloadValidator, error) {
	v := &PayloadValidator{cache: make(map[string]*jsonschema.Schema)}

	var err error
	if v.wordList, err = compileNamed("https://spelling-game.dev/schemas/word-list.json", wordListSchemaJSON); err != nil {
		return nil, err
	}
	if v.questionsRequest, err = compileNamed("https://spelling-game.dev/schemas/questions-request.json", questionsRequestSchemaJSON); err != nil {
		return nil, err
	}
	if v.answersRequest, err = compileNamed("https://spelling-game.dev/schemas/answers-request.json", answersRequestSchemaJSON); err != nil {
		return nil, err
	}
	return v, nil
}

// ValidateWordList checks a decoded text-generation result. Violations are
// reported as MALFORMED_OUTPUT: the upstream model answered, but not in the
// contracted shape.
func (v *PayloadValidator) ValidateWordList(words any) error {
	return v.validate(v.wordList, words, flow.ErrCodeMalformedOutput)
}

// ValidateQuestionsRequest checks a decoded POST /questions body.
func (v *PayloadValidator) ValidateQuestionsRequest(body any) error {
	return v.validate(v.questionsRequest, body, flow.ErrCodeValidation)
}

// ValidateAnswersRequest checks a decoded POST /answers body.
func (v *PayloadValidator) ValidateAnswersRequest(body any) error {
	return v.validate(v.answersRequest, body, flow.ErrCodeValidation)
}

// ValidateAgainst validates data against an ad-hoc schema given as raw
// bytes, compiling and caching it on first use.
func (v *PayloadValidator) ValidateAgainst(data any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return flow.NewError(flow.ErrCodeValidation, "invalid schema").WithCause(err)
	}
	return v.validate(compiled, data, flow.ErrCodeValidation)
}

func (v *PayloadValidator) validate(s *jsonschema.Schema, data any, code string) error {
	doc, err := toJSONValue(data)
	if err != nil {
		return flow.NewError(code, "failed to serialize payload").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toFlowError(err, code)
	}
	return nil
}

func (v *PayloadValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	url := fmt.Sprintf("spelling-game://schema/%d", len(v.cache))
	compiled, err := compileNamed(url, key)
	if err != nil {
		return nil, err
	}
	v.cache[key] = compiled
	return compiled, nil
}

func compileNamed(url, schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a flow.Error with
// one message per leaf violation.
func toFlowError(err error, code string) *flow.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return flow.NewError(code, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return flow.NewError(code, verr.Error())
	}
	if len(violations) == 1 {
		return flow.NewError(code, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return flow.NewErrorf(code, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
