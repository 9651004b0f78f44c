// internal/llmutil/parser_test.go
package llmutil

import (
	"testing"
	"unicode/utf8"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decisionShape struct {
	Action     string `json:"action"`
	Label      string `json:"label"`
	TextToType string `json:"text_to_type"`
	Reason     string `json:"reason"`
}

func TestParseJSONResponse(t *testing.T) {
	want := decisionShape{Action: "click", Label: "Search", Reason: "open search"}

	testCases := []struct {
		name  string
		input string
	}{
		{"plain object", `{"action":"click","label":"Search","reason":"open search"}`},
		{"markdown fence", "```json\n{\"action\":\"click\",\"label\":\"Search\",\"reason\":\"open search\"}\n```"},
		{"bare fence", "```\n{\"action\":\"click\",\"label\":\"Search\",\"reason\":\"open search\"}\n```"},
		{"prose around object", `Sure! Here is my answer: {"action":"click","label":"Search","reason":"open search"} Hope that helps.`},
		{"trailing comma", `{"action":"click","label":"Search","reason":"open search",}`},
		{"single quotes", `{'action':'click','label':'Search','reason':'open search'}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseJSONResponse[decisionShape](tc.input)
			require.NoError(t, err)
			if diff := cmp.Diff(want, *got); diff != "" {
				t.Errorf("decision mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseJSONResponseErrors(t *testing.T) {
	_, err := ParseJSONResponse[decisionShape]("")
	assert.Error(t, err)

	_, err = ParseJSONResponse[decisionShape]("   \n ")
	assert.Error(t, err)
}

func TestParseJSONArray(t *testing.T) {
	type grid struct {
		Cells []int `json:"cells"`
	}
	got, err := ParseJSONResponse[grid]("```json\n{\"cells\": [1, 5, 9]}\n```")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, 9}, got.Cells)

	arr, err := ParseJSONResponse[[]int]("The cells are [2, 4]")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, *arr)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, ExtractJSON("noise {\"a\":1} noise"))
	assert.Equal(t, "plain text", ExtractJSON("  plain text  "))
	assert.Equal(t, `{"a":1}`, ExtractJSON("```json\n{\"a\":1}\n```"))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", truncateString("abc", 5))
	assert.Equal(t, "ab...", truncateString("abcdef", 2))
	assert.Equal(t, "", truncateString("abc", 0))
}

// FuzzParseJSONResponse checks that arbitrary model output never panics the
// parser and that well-formed decisions survive a fence round trip.
func FuzzParseJSONResponse(f *testing.F) {
	f.Add([]byte(`{"action":"done"}`))
	f.Add([]byte("```json\n{\"action\":\"type\",\"text_to_type\":\"x\"}\n```"))
	f.Add([]byte("{{{{"))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = ParseJSONResponse[decisionShape](string(data))

		consumer := fuzz.NewConsumer(data)
		var d decisionShape
		if err := consumer.GenerateStruct(&d); err != nil {
			return
		}
		for _, s := range []string{d.Action, d.Label, d.TextToType, d.Reason} {
			if !utf8.ValidString(s) {
				return
			}
		}
		encoded, err := json.Marshal(d)
		if err != nil {
			return
		}
		got, err := ParseJSONResponse[decisionShape]("```json\n" + string(encoded) + "\n```")
		if err != nil {
			t.Fatalf("valid JSON rejected: %v (%s)", err, encoded)
		}
		if diff := cmp.Diff(d, *got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	})
}
