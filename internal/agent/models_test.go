// internal/agent/models_test.go
package agent

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

func TestDecodeDecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		answer  string
		want    Action
		wantErr error
	}{
		{
			name:   "click",
			answer: `{"action":"click","label":" Add to Cart ","reason":"put it in the cart"}`,
			want:   Click{Label: "Add to Cart", Reason: "put it in the cart"},
		},
		{
			name:   "type with fenced json",
			answer: "```json\n{\"action\":\"type\",\"text_to_type\":\"wireless mouse\",\"reason\":\"search\"}\n```",
			want:   Type{Text: "wireless mouse", Reason: "search"},
		},
		{
			name:   "done with self report fields",
			answer: `{"action":"DONE","reason":"cart shows 1 item","current_state":"cart","remaining_steps":"none"}`,
			want:   Done{Reason: "cart shows 1 item"},
		},
		{name: "empty", answer: "  ", wantErr: ErrEmptyResponse},
		{name: "not json", answer: "I will click the button", wantErr: ErrMalformedDecision},
		{name: "click without label", answer: `{"action":"click","reason":"?"}`, wantErr: ErrMalformedDecision},
		{name: "type without text", answer: `{"action":"type","label":"Search"}`, wantErr: ErrMalformedDecision},
		{name: "unknown action", answer: `{"action":"scroll","label":"down"}`, wantErr: ErrMalformedDecision},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeDecision(tt.answer)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DecodeDecision mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAction_Signature(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "click:next", Click{Label: "  Next "}.Signature())
	assert.Equal(t, "type:search", Type{Text: "x", Label: "Search"}.Signature())
	assert.Equal(t, "type:wireless mouse", Type{Text: "Wireless Mouse"}.Signature())
	assert.Equal(t, "done:", Done{Reason: "ok"}.Signature())
	assert.Equal(t, schemas.ActionType, Type{}.Kind())
}

func TestLoopState_Track(t *testing.T) {
	t.Parallel()

	var st LoopState
	st.Track(Click{Label: "Next"})
	assert.Equal(t, 0, st.RepeatCount)
	st.Track(Click{Label: "next"})
	st.Track(Click{Label: "NEXT"})
	assert.Equal(t, 2, st.RepeatCount)

	st.Track(Type{Text: "hello"})
	assert.Equal(t, 0, st.RepeatCount)
	assert.Equal(t, "type:hello", st.LastSignature)
}

func TestLoopState_RecordResult(t *testing.T) {
	t.Parallel()

	var st LoopState
	st.RecordResult(false)
	st.RecordResult(false)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	st.RecordResult(true)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestLoopState_UpdatePanel(t *testing.T) {
	t.Parallel()

	var st LoopState
	st.UpdatePanel(Click{Label: "Filters"}, false)
	assert.False(t, st.PanelOpen, "failed clicks do not open panels")

	st.UpdatePanel(Click{Label: "Filters"}, true)
	assert.True(t, st.PanelOpen)

	st.UpdatePanel(Click{Label: "Blue"}, true)
	assert.True(t, st.PanelOpen, "picking inside the panel keeps it open")

	st.UpdatePanel(Click{Label: "Apply"}, true)
	assert.False(t, st.PanelOpen)

	st.UpdatePanel(Click{Label: "Sort by"}, true)
	st.UpdatePanel(Type{Text: "x"}, true)
	assert.False(t, st.PanelOpen)
}

func FuzzDecodeDecision(f *testing.F) {
	f.Add([]byte(`{"action":"click","label":"Next"}`))
	f.Add([]byte(`{"action":"type","text_to_type":"x"}`))
	f.Add([]byte(`[1,2,3]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeDecision(string(data))

		var raw rawDecision
		if err := fuzz.NewConsumer(data).GenerateStruct(&raw); err != nil {
			return
		}
		text := raw.Label + raw.Reason
		if !utf8.ValidString(text) || strings.ContainsAny(text, "`{}[]") {
			return
		}
		encoded, err := jsoniter.Marshal(rawDecision{Action: "click", Label: raw.Label, Reason: raw.Reason})
		if err != nil {
			return
		}
		got, err := DecodeDecision(string(encoded))
		if err != nil {
			if !errors.Is(err, ErrMalformedDecision) {
				t.Fatalf("unexpected error kind: %v", err)
			}
			return
		}
		if _, ok := got.(Click); !ok {
			t.Fatalf("click decoded as %T", got)
		}
	})
}
