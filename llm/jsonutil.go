package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Patterns for pulling JSON out of chatty model output.
var (
	jsonObjectBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	jsonObjectPattern      = regexp.MustCompile(`(?s)\{.*\}`)
	jsonArrayBlockPattern  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	jsonArrayPattern       = regexp.MustCompile(`(?s)\[.*\]`)
	trailingCommaPattern   = regexp.MustCompile(`,\s*([}\]])`)
	thinkBlockPattern      = regexp.MustCompile(`(?s)<think>.*?</think>`)
)

// ExtractJSON extracts a JSON object from an LLM response string.
// It handles markdown code blocks, reasoning blocks, JavaScript-style
// comments, and trailing commas.
func ExtractJSON(content string) string {
	return extract(content, jsonObjectBlockPattern, jsonObjectPattern)
}

// ExtractJSONArray extracts a JSON array from an LLM response string.
func ExtractJSONArray(content string) string {
	return extract(content, jsonArrayBlockPattern, jsonArrayPattern)
}

func extract(content string, block, bare *regexp.Regexp) string {
	content = thinkBlockPattern.ReplaceAllString(content, "")
	if m := block.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	if m := bare.FindString(content); m != "" {
		return cleanJSON(m)
	}
	return ""
}

// DecodeJSONArray extracts the first JSON array from content and decodes it.
// A response holding an object with a single array field is accepted too,
// since models often wrap lists as {"clauses": [...]}.
func DecodeJSONArray[T any](content string) ([]T, error) {
	raw := ExtractJSONArray(content)
	obj := ExtractJSON(content)

	// Prefer the object when it encloses the array.
	if obj != "" && (raw == "" || strings.Index(content, "{") < strings.Index(content, "[")) {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal([]byte(obj), &wrapper); err == nil {
			for _, v := range wrapper {
				var out []T
				if err := json.Unmarshal(v, &out); err == nil {
					return out, nil
				}
			}
		}
	}

	if raw == "" {
		return nil, fmt.Errorf("no JSON array in response")
	}
	var out []T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode JSON array: %w", err)
	}
	return out, nil
}

// cleanJSON removes JavaScript-style comments and trailing commas from JSON.
// LLMs commonly produce these invalid JSON artifacts.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	result := strings.Join(lines, "\n")
	return trailingCommaPattern.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string
// values, so "https://example.com" survives.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
