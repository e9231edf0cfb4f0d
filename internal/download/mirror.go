package download

import (
	"strings"
)

// DefaultMirrorBase fronts GitHub release assets for users without direct
// reachability. Overridable through RouterConfig.MirrorBase.
const DefaultMirrorBase = "https://ghproxy.net"

// mirrorURL routes a GitHub download through the mirror. Non-GitHub URLs and
// already-mirrored URLs are returned unchanged.
func mirrorURL(rawURL, mirrorBase string) string {
	if mirrorBase == "" {
		mirrorBase = DefaultMirrorBase
	}
	if strings.HasPrefix(rawURL, mirrorBase) {
		return rawURL
	}
	if !strings.Contains(rawURL, "github.com") && !strings.Contains(rawURL, "githubusercontent.com") {
		return rawURL
	}
	return strings.TrimSuffix(mirrorBase, "/") + "/" + rawURL
}
