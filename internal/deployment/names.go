package deployment

import (
	"strings"

	"github.com/google/uuid"
)

// UniqueName appends a random suffix to prefix so parallel tests never share
// a deployment name. The result is a valid deployment name for any prefix
// made of letters, digits and underscores.
func UniqueName(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if prefix == "" {
		return "ct_" + suffix
	}
	name := prefix + "_" + suffix
	if len(name) > maxNameLen {
		name = prefix[:maxNameLen-len(suffix)-1] + "_" + suffix
	}
	return name
}
