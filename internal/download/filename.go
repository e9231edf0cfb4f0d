package download

import (
	"mime"
	"net/http"
	u "net/url"
	"regexp"
	"strings"
)

var filenameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// resolveFilename picks the destination filename: an explicit override wins,
// then Content-Disposition, then the last URL path segment.
func resolveFilename(header http.Header, rawURL, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if name := filenameFromHeader(header); name != "" {
		return name
	}
	return filenameFromURL(rawURL)
}

func filenameFromHeader(header http.Header) string {
	contentDisposition := header.Get("Content-Disposition")
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return filenameSanitizer.ReplaceAllString(fn, "_")
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		unescaped, _ := u.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
		return filenameSanitizer.ReplaceAllString(unescaped, "_")
	}
	return ""
}

func filenameFromURL(rawURL string) string {
	parsed, err := u.Parse(rawURL)
	if err != nil || parsed.Path == "" {
		return "download"
	}
	segments := strings.Split(strings.TrimSuffix(parsed.Path, "/"), "/")
	name := segments[len(segments)-1]
	if name == "" {
		return "download"
	}
	if unescaped, err := u.PathUnescape(name); err == nil {
		name = unescaped
	}
	return filenameSanitizer.ReplaceAllString(name, "_")
}
