package connections

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/promptflow/common/errs"
)

func writeConnections(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFileStoreYAML(t *testing.T) {
	path := writeConnections(t, "connections.yaml", `
open_ai_connection:
  type: OpenAIConnection
  configs:
    base_url: https://example.test/v1
  secrets:
    api_key: sk-test
`)
	store, err := LoadFileStore(path)
	require.NoError(t, err)

	conn, err := store.Get("open_ai_connection", true)
	require.NoError(t, err)
	assert.Equal(t, "OpenAIConnection", conn.Type)
	assert.Equal(t, "https://example.test/v1", conn.Configs["base_url"])
	assert.Equal(t, "sk-test", conn.Secrets["api_key"])
}

func TestLoadFileStoreJSON(t *testing.T) {
	path := writeConnections(t, "connections.json",
		`{"aoai": {"type": "AzureOpenAIConnection", "secrets": {"api_key": "k"}}}`)
	store, err := LoadFileStore(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"aoai"}, store.List())
	conn, err := store.Get("aoai", false)
	require.NoError(t, err)
	assert.Equal(t, ScrubbedValue, conn.Secrets["api_key"])
}

func TestGetUnknownConnection(t *testing.T) {
	store := NewMapStore(nil)
	_, err := store.Get("nope", true)
	require.Error(t, err)
	assert.Equal(t, errs.CodeConnectionNotFound, errs.CodeOf(err))
}

func TestScrub(t *testing.T) {
	c := &Connection{
		Name:    "conn",
		Type:    "OpenAIConnection",
		Configs: map[string]string{"base_url": "u"},
		Secrets: map[string]string{"api_key": "k"},
	}
	out := c.Scrub()
	assert.Equal(t, "conn", out["name"])
	assert.Equal(t, map[string]string{"base_url": "u"}, out["configs"])
	assert.Equal(t, map[string]string{"api_key": ScrubbedValue}, out["secrets"])
}
