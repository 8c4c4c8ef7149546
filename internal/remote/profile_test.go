package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func profileOf(t *testing.T, text string) *Profile {
	t.Helper()
	p, err := ParseProfile(text)
	require.NoError(t, err)
	return p
}

func TestMerge(t *testing.T) {
	base := profileOf(t, "a = 1\nb = 2\n")
	overlay := profileOf(t, "b = 3\nc = 4\n")

	merged := Merge(base, overlay)

	assert.Equal(t, []string{"a", "b", "c"}, merged.Keys())
	for key, want := range map[string]string{"a": "1", "b": "3", "c": "4"} {
		got, ok := merged.Get(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}

	// inputs are untouched
	v, _ := base.Get("b")
	assert.Equal(t, "2", v)
	assert.Equal(t, 2, overlay.Len())
}

func TestMergeIsCaseSensitive(t *testing.T) {
	merged := Merge(profileOf(t, "Key = base"), profileOf(t, "key = overlay"))
	assert.Equal(t, []string{"Key", "key"}, merged.Keys())
	v, _ := merged.Get("Key")
	assert.Equal(t, "base", v)
}

func TestMergeNilOverlay(t *testing.T) {
	merged := Merge(profileOf(t, "a = 1"), nil)
	assert.Equal(t, "a = 1\n", merged.Render())
}

func TestParseProfile(t *testing.T) {
	p := profileOf(t, `
# Node Configuration
node.id                          =Master
module.clustermgr.type = CLUSTER_MGR
! legacy comment
module.persistence.config.db.url = jdbc:postgresql://pgsql:5432/cdr?ssl=false
node.id = Replica
`)
	assert.Equal(t, []string{"node.id", "module.clustermgr.type", "module.persistence.config.db.url"}, p.Keys())
	v, _ := p.Get("node.id")
	assert.Equal(t, "Replica", v)
	v, _ = p.Get("module.persistence.config.db.url")
	assert.Equal(t, "jdbc:postgresql://pgsql:5432/cdr?ssl=false", v)
}

func TestParseProfileErrors(t *testing.T) {
	_, err := ParseProfile("a = 1\njust a line\n")
	assert.ErrorContains(t, err, "line 2")

	_, err = ParseProfile(" = value")
	assert.ErrorContains(t, err, "empty key")
}
