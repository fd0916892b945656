package gcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	t.Parallel()

	bucket, object, err := ParseURI("gs://renders/2026/10/page.html")
	require.NoError(t, err)
	assert.Equal(t, "renders", bucket)
	assert.Equal(t, "2026/10/page.html", object)

	for _, bad := range []string{"/tmp/page.html", "gs://", "gs:///page.html", "gs://renders", "gs://renders/", "gs://renders/dir/"} {
		_, _, err := ParseURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)
}
