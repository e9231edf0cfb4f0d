package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMirrorURL(t *testing.T) {
	base := "https://mirror.example"

	assert.Equal(t,
		"https://mirror.example/https://github.com/o/r/releases/download/v1/a.zip",
		mirrorURL("https://github.com/o/r/releases/download/v1/a.zip", base))

	assert.Equal(t,
		"https://mirror.example/https://raw.githubusercontent.com/o/r/main/f",
		mirrorURL("https://raw.githubusercontent.com/o/r/main/f", base))

	// non-GitHub URLs pass through
	assert.Equal(t, "https://cdn.example.com/a.zip", mirrorURL("https://cdn.example.com/a.zip", base))

	// already mirrored stays put
	mirrored := "https://mirror.example/https://github.com/o/r/a.zip"
	assert.Equal(t, mirrored, mirrorURL(mirrored, base))

	// empty base falls back to the default
	assert.Equal(t,
		DefaultMirrorBase+"/https://github.com/o/r/a.zip",
		mirrorURL("https://github.com/o/r/a.zip", ""))

	// trailing slash on the base does not double up
	assert.Equal(t,
		"https://mirror.example/https://github.com/o/r/a.zip",
		mirrorURL("https://github.com/o/r/a.zip", "https://mirror.example/"))
}
