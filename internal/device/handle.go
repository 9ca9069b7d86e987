package device

import (
	"path/filepath"
	"strings"
)

// HandlePrefix is the namespace every external handle lives under
const HandlePrefix = "/devices/"

// HandleFromIdentity derives the external handle of a device identity
func HandleFromIdentity(identity string) string {
	return HandleFromBasename(filepath.Base(identity))
}

// HandleFromBasename builds "/devices/<name>" where every byte outside
// [A-Za-z0-9_] is replaced by '_'.
func HandleFromBasename(name string) string {
	var b strings.Builder
	b.Grow(len(HandlePrefix) + len(name))
	b.WriteString(HandlePrefix)
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// HandleName strips the handle prefix, "/devices/sda1" -> "sda1"
func HandleName(handle string) string {
	return strings.TrimPrefix(handle, HandlePrefix)
}
