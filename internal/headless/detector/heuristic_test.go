package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristic_Check(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "empty", content: "  \n", want: "empty document"},
		{name: "empty next mount", content: `<html><body><div id="__next"></div></body></html>`, want: `empty mount point <div id="__next"></div>`},
		{name: "mount is case insensitive", content: `<DIV ID="root"></DIV>`, want: `empty mount point <div id="root"></div>`},
		{name: "script heavy", content: `<html><script>var a=1;</script><p>t</p></html>`, want: "script-heavy document"},
		{name: "unclosed script", content: `<html><p>hi</p><script src="x.js"`, want: "script-heavy document"},
		{name: "hydrated", content: `<html><body><div id="root"><p>Price: $4.99</p></div></body></html>`, want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, h.Check(tc.content))
		})
	}
}

func TestHeuristic_LargeScriptHeavyDocumentPasses(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	content := "<html><script>" + strings.Repeat("x", 200) + "</script></html>"
	require.Empty(t, h.Check(content))
}

func TestNewHeuristicDefaultThreshold(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultMinBytes, NewHeuristic(0).MinBytes)
	require.Equal(t, 512, NewHeuristic(512).MinBytes)
}

func TestScriptCoverage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, scriptCoverage(""))
	assert.Equal(t, 0, scriptCoverage("<p>plain</p>"))
	assert.Equal(t, 100, scriptCoverage("<script>a</script>"))
}
