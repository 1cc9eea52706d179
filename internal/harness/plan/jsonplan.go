package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// planSchema validates the JSON plan form before it is decoded into
// typed structs, so authors get schema-level errors (wrong type, unknown
// key, bad id) instead of a decode failure.
const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["goal", "tasks"],
  "additionalProperties": false,
  "properties": {
    "goal": {"type": "string", "minLength": 1},
    "tasks": {
      "type": "object",
      "minProperties": 1,
      "propertyNames": {"pattern": "^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"},
      "additionalProperties": {
        "type": "object",
        "required": ["description"],
        "additionalProperties": false,
        "properties": {
          "description": {"type": "string", "minLength": 1},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "timeout_seconds": {"type": "integer", "minimum": 1},
          "instructions": {"type": "string"},
          "role": {"type": "string"}
        }
      }
    }
  }
}`

var compiledPlanSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.schema.json", strings.NewReader(planSchema)); err != nil {
		panic(fmt.Sprintf("add plan schema: %v", err))
	}
	sch, err := c.Compile("plan.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile plan schema: %v", err))
	}
	return sch
}

var jsonFenceRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// looksLikeJSON reports whether content is a JSON object or carries a
// fenced json block.
func looksLikeJSON(content string) bool {
	if strings.HasPrefix(strings.TrimSpace(content), "{") {
		return true
	}
	return jsonFenceRe.MatchString(content)
}

// parseJSON extracts the JSON plan: the whole document when it is a
// bare object, otherwise the first fenced json block. Tasks come out in
// sorted-id order since JSON objects carry none.
func parseJSON(content string) (*Definition, error) {
	raw := strings.TrimSpace(content)
	if !strings.HasPrefix(raw, "{") {
		m := jsonFenceRe.FindStringSubmatch(content)
		if m == nil {
			return nil, fmt.Errorf("no valid plan found: no json block in content")
		}
		raw = strings.TrimSpace(m[1])
	}

	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("invalid plan json: %w", err)
	}
	if err := compiledPlanSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("plan does not match schema: %w", err)
	}

	var doc struct {
		Goal  string                     `json:"goal"`
		Tasks map[string]*TaskDefinition `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("invalid plan json: %w", err)
	}

	order := make([]string, 0, len(doc.Tasks))
	for id := range doc.Tasks {
		order = append(order, id)
	}
	sort.Strings(order)
	return &Definition{Goal: doc.Goal, Order: order, Tasks: doc.Tasks}, nil
}
