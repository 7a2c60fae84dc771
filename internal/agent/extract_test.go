package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractPlanPrefersMarker(t *testing.T) {
	transcript := strings.Join([]string{
		"Thinking about the request...",
		"- this bullet must not win",
		"## Plan",
		"- add handler",
		"- write test",
	}, "\n")

	extract := ExtractPlan(transcript)

	assert.Equal(t, ExtractMarked, extract.Kind)
	assert.Equal(t, "## Plan", extract.Marker)
	assert.True(t, strings.HasPrefix(extract.Body, "## Plan"))
	assert.Contains(t, extract.Body, "- write test")
}

func TestExtractPlanFallsBackToBullets(t *testing.T) {
	transcript := strings.Join([]string{
		"I will do the following:",
		"- add handler",
		"- write test",
		"",
		"- run suite",
		"That is all.",
	}, "\n")

	extract := ExtractPlan(transcript)

	assert.Equal(t, ExtractBulletList, extract.Kind)
	assert.Equal(t, "- add handler\n- write test\n\n- run suite", extract.Body)
}

func TestExtractPlanNumberedListBeatsTruncation(t *testing.T) {
	transcript := "Steps:\n1. add handler\n2) write test\ndone"

	extract := ExtractPlan(transcript)

	assert.Equal(t, ExtractNumberedList, extract.Kind)
	assert.Equal(t, "1. add handler\n2) write test", extract.Body)
}

func TestExtractPlanBulletBeatsNumbered(t *testing.T) {
	transcript := "1. numbered first\n\nprose\n\n- bullet later"
	extract := ExtractPlan(transcript)
	assert.Equal(t, ExtractBulletList, extract.Kind)
}

func TestExtractPlanTruncatesLastResort(t *testing.T) {
	transcript := strings.Repeat("prose without structure ", 40)

	extract := ExtractPlan(transcript)

	assert.Equal(t, ExtractTruncated, extract.Kind)
	assert.Len(t, extract.Body, truncatedLimit)
}

func TestExtractPlanShortProse(t *testing.T) {
	extract := ExtractPlan("just a sentence")
	assert.Equal(t, ExtractTruncated, extract.Kind)
	assert.Equal(t, "just a sentence", extract.Body)
}
