// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/kaptinlin/jsonrepair"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array if the response is wrapped in markdown.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
	// fenceRegex strips any remaining code fence markers.
	fenceRegex = regexp.MustCompile("\x60\x60\x60[a-zA-Z]*")
)

// ExtractJSON returns the JSON payload embedded in a model response: the body
// of a markdown fence, or the outermost object/array found inside prose.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	// 1. Fenced block: prefer the object, then the array, then the bare body.
	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			return matches[1]
		}
		return strings.TrimSpace(fenceRegex.ReplaceAllString(response, ""))
	}

	// 2. Already bare JSON.
	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	// 3. JSON inside prose: take the outermost brackets.
	if isObject {
		fb, lb := strings.Index(response, "{"), strings.LastIndex(response, "}")
		if fb != -1 && lb > fb {
			return response[fb : lb+1]
		}
	}
	if isArray {
		fb, lb := strings.Index(response, "["), strings.LastIndex(response, "]")
		if fb != -1 && lb > fb {
			return response[fb : lb+1]
		}
	}
	return response
}

// ParseJSONResponse parses an LLM response into T. Markdown wrapping and
// surrounding prose are stripped first; when the payload is still invalid
// (trailing commas, single quotes, truncated objects) a repair pass is tried
// before giving up.
func ParseJSONResponse[T any](response string) (*T, error) {
	payload := ExtractJSON(response)
	if payload == "" {
		return nil, fmt.Errorf("empty LLM response")
	}

	// Fast path: the payload is valid as is.
	var result T
	err := json.Unmarshal([]byte(payload), &result)
	if err == nil {
		return &result, nil
	}

	// Models often emit trailing commas or cut off mid-object.
	repaired, repairErr := jsonrepair.JSONRepair(payload)
	if repairErr != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(payload, 500))
	}
	var fixed T
	if err2 := json.Unmarshal([]byte(repaired), &fixed); err2 != nil {
		return nil, fmt.Errorf("failed to unmarshal repaired LLM JSON response: %w. Extracted JSON (truncated): %s", err2, truncateString(payload, 500))
	}
	return &fixed, nil
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
