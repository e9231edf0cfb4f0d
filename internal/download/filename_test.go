package download

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveFilename(t *testing.T) {
	t.Run("explicit override wins", func(t *testing.T) {
		h := http.Header{}
		h.Set("Content-Disposition", `attachment; filename="server.zip"`)
		got := resolveFilename(h, "https://example.com/path/url.zip", "mine.zip")
		assert.Equal(t, "mine.zip", got)
	})

	t.Run("content disposition", func(t *testing.T) {
		h := http.Header{}
		h.Set("Content-Disposition", `attachment; filename="firmware 18.0.1.zip"`)
		got := resolveFilename(h, "https://example.com/dl", "")
		assert.Equal(t, "firmware 18.0.1.zip", got)
	})

	t.Run("url path fallback", func(t *testing.T) {
		got := resolveFilename(http.Header{}, "https://example.com/releases/v1.2/emu-linux.AppImage", "")
		assert.Equal(t, "emu-linux.AppImage", got)
	})

	t.Run("escaped url path", func(t *testing.T) {
		got := resolveFilename(http.Header{}, "https://example.com/files/prod%20keys.zip", "")
		assert.Equal(t, "prod keys.zip", got)
	})

	t.Run("pathless url", func(t *testing.T) {
		got := resolveFilename(http.Header{}, "https://example.com", "")
		assert.Equal(t, "download", got)
	})

	t.Run("unsafe characters sanitized", func(t *testing.T) {
		h := http.Header{}
		h.Set("Content-Disposition", `attachment; filename="a/b:c.zip"`)
		got := resolveFilename(h, "https://example.com/x", "")
		assert.NotContains(t, got, "/")
		assert.NotContains(t, got, ":")
	})
}
