package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/flux/internal/llm"
)

// Schema is the declared tool interface: the SCHEMA assignment from the
// tool module.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolSchema converts to the provider-facing shape.
func (s *Schema) ToolSchema() llm.ToolSchema {
	return llm.ToolSchema{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema}
}

var (
	schemaAssignRe = regexp.MustCompile(`(?m)^SCHEMA\s*=\s*\{`)
	mainDefRe      = regexp.MustCompile(`(?m)^def\s+main\s*\(`)
)

// ExtractSchema applies gate 6 without executing the module: the source
// must contain a module-level SCHEMA dict literal and a main function
// definition. The dict is converted from Python literal syntax to JSON and
// validated: name must match [a-z][a-z0-9_]{1,30} and input_schema must be
// a compilable JSON Schema.
func ExtractSchema(source []byte) (*Schema, error) {
	text := string(source)

	if !mainDefRe.MatchString(text) {
		return nil, fmt.Errorf("tools: no module-level main function")
	}

	loc := schemaAssignRe.FindStringIndex(text)
	if loc == nil {
		return nil, fmt.Errorf("tools: no module-level SCHEMA assignment")
	}
	braceStart := strings.Index(text[loc[0]:loc[1]], "{") + loc[0]
	literal, err := balancedBraces(text[braceStart:])
	if err != nil {
		return nil, err
	}

	jsonText, err := pythonDictToJSON(literal)
	if err != nil {
		return nil, err
	}

	var s Schema
	if err := json.Unmarshal([]byte(jsonText), &s); err != nil {
		return nil, fmt.Errorf("tools: SCHEMA is not a plain literal dict: %w", err)
	}
	if !toolNamePattern.MatchString(s.Name) {
		return nil, fmt.Errorf("tools: SCHEMA.name %q does not match [a-z][a-z0-9_]{1,30}", s.Name)
	}
	if s.InputSchema == nil {
		s.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if err := compileInputSchema(s.InputSchema); err != nil {
		return nil, err
	}
	return &s, nil
}

// compileInputSchema checks the declared input_schema is valid JSON Schema.
func compileInputSchema(inputSchema map[string]any) error {
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return fmt.Errorf("tools: marshal input_schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("input_schema.json", strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("tools: invalid input_schema: %w", err)
	}
	if _, err := compiler.Compile("input_schema.json"); err != nil {
		return fmt.Errorf("tools: invalid input_schema: %w", err)
	}
	return nil
}

// balancedBraces returns the prefix of text spanning one balanced {...}
// literal, respecting string literals.
func balancedBraces(text string) (string, error) {
	depth := 0
	var quote rune
	escaped := false
	for i, c := range text {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[:i+1], nil
			}
		}
	}
	return "", fmt.Errorf("tools: unterminated SCHEMA literal")
}

// pythonDictToJSON converts a restricted Python dict literal to JSON:
// single-quoted strings, True/False/None keywords, and trailing commas.
// Anything fancier (f-strings, expressions, comprehensions) fails JSON
// parsing afterwards and rejects the tool.
func pythonDictToJSON(literal string) (string, error) {
	var out strings.Builder
	runes := []rune(literal)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case c == '\'' || c == '"':
			str, consumed, err := readPythonString(runes[i:])
			if err != nil {
				return "", err
			}
			encoded, _ := json.Marshal(str)
			out.Write(encoded)
			i += consumed
		case c == '#':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case matchKeyword(runes, i, "True"):
			out.WriteString("true")
			i += 4
		case matchKeyword(runes, i, "False"):
			out.WriteString("false")
			i += 5
		case matchKeyword(runes, i, "None"):
			out.WriteString("null")
			i += 4
		case c == ',':
			// Drop trailing commas before a closing bracket.
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\n' || runes[j] == '\t' || runes[j] == '\r') {
				j++
			}
			if j < len(runes) && (runes[j] == '}' || runes[j] == ']') {
				i++
				continue
			}
			out.WriteRune(c)
			i++
		default:
			out.WriteRune(c)
			i++
		}
	}
	return out.String(), nil
}

func matchKeyword(runes []rune, i int, kw string) bool {
	if i+len(kw) > len(runes) || string(runes[i:i+len(kw)]) != kw {
		return false
	}
	if i > 0 && isIdentRune(runes[i-1]) {
		return false
	}
	if i+len(kw) < len(runes) && isIdentRune(runes[i+len(kw)]) {
		return false
	}
	return true
}

func isIdentRune(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// readPythonString decodes one quoted Python string starting at runes[0],
// returning its value and the number of runes consumed.
func readPythonString(runes []rune) (string, int, error) {
	quote := runes[0]
	var b strings.Builder
	i := 1
	for i < len(runes) {
		c := runes[i]
		if c == '\\' && i+1 < len(runes) {
			next := runes[i+1]
			switch next {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case 'r':
				b.WriteRune('\r')
			case '\\', '\'', '"':
				b.WriteRune(next)
			default:
				b.WriteRune('\\')
				b.WriteRune(next)
			}
			i += 2
			continue
		}
		if c == quote {
			return b.String(), i + 1, nil
		}
		b.WriteRune(c)
		i++
	}
	return "", 0, fmt.Errorf("tools: unterminated string in SCHEMA")
}
