package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasherDigestsDocument(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("<html></html>"))
	require.NoError(t, err)
	assert.Len(t, got, 64)

	again, err := h.Hash([]byte("<html></html>"))
	require.NoError(t, err)
	assert.Equal(t, got, again)

	empty, err := h.Hash(nil)
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", empty)
}
