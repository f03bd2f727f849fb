// internal/llmutil/parser_test.go
package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decision struct {
	Action     string  `json:"action"`
	Selector   string  `json:"selector"`
	Confidence float64 `json:"confidence"`
}

func TestParseJSONResponse_CleanObject(t *testing.T) {
	raw := `{"action":"CLICK","selector":"#facturar","confidence":0.9}`
	got, err := ParseJSONResponse[decision](raw)
	require.NoError(t, err)
	assert.Equal(t, "CLICK", got.Action)
	assert.Equal(t, "#facturar", got.Selector)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
}

func TestParseJSONResponse_MarkdownFenced(t *testing.T) {
	raw := "```json\n{\"action\":\"INPUT\",\"selector\":\"#rfc\",\"confidence\":1}\n```"
	got, err := ParseJSONResponse[decision](raw)
	require.NoError(t, err)
	assert.Equal(t, "INPUT", got.Action)
	assert.Equal(t, "#rfc", got.Selector)
}

func TestParseJSONResponse_BuriedInProse(t *testing.T) {
	raw := `Sure! Based on the page, here is my decision:
{"action":"SCROLL","selector":"","confidence":0.5}
Let me know if you need anything else.`
	got, err := ParseJSONResponse[decision](raw)
	require.NoError(t, err)
	assert.Equal(t, "SCROLL", got.Action)
}

func TestParseJSONResponse_Idempotent(t *testing.T) {
	// Extracting from already-extracted JSON must give the same result.
	raw := "```json\n{\"action\":\"WAIT\",\"confidence\":0.4}\n```"
	first := ExtractJSON(raw)
	second := ExtractJSON(first)
	assert.Equal(t, first, second)

	got, err := ParseJSONResponse[decision](first)
	require.NoError(t, err)
	assert.Equal(t, "WAIT", got.Action)
}

func TestParseJSONResponse_Malformed(t *testing.T) {
	_, err := ParseJSONResponse[decision]("the page looks fine to me")
	require.Error(t, err)

	_, err = ParseJSONResponse[decision](`{"action": "CLICK", broken`)
	require.Error(t, err)
}

func TestParseJSONResponse_Array(t *testing.T) {
	raw := "```json\n[{\"action\":\"CLICK\",\"confidence\":1}]\n```"
	got, err := ParseJSONResponse[[]decision](raw)
	require.NoError(t, err)
	require.Len(t, *got, 1)
	assert.Equal(t, "CLICK", (*got)[0].Action)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
	assert.Equal(t, "", Truncate("abc", 0))
}
