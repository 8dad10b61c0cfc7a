package reconcile

import (
	"regexp"
)

// uploadPathPattern matches the structural token the backend embeds in
// assistant text after a completed transfer: a relative path rooted at the
// server's private upload area.
var uploadPathPattern = regexp.MustCompile(`private_upload/[^\s"'<>()\[\],]+`)

// ExtractUploadPath scans assistant text for an embedded upload path token
// and returns the last occurrence, which for a multi-file transfer is the
// most recently written artifact.
func ExtractUploadPath(text string) (string, bool) {
	matches := uploadPathPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[len(matches)-1], true
}
