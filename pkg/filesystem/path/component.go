// Package path provides a minimal pathname component type, trimmed from
// bb-storage's pkg/filesystem/path to the single concern this cache
// needs: rejecting malicious or corrupted Directory entry names before
// they are joined onto a filesystem path during checkout (spec.md
// §4.3, §4.6). bb-storage's scope-walking and symlink-loop-detection
// machinery is built for sandboxing untrusted build-action inputs; a
// single-owner local cache root has no such requirement (see
// DESIGN.md).
package path

import "strings"

// Component of a pathname. This type is nothing more than a string that
// is guaranteed to be a valid, single-level Unix filename: it cannot be
// used to escape the directory it is placed in.
type Component struct {
	name string
}

// NewComponent creates a new pathname component. Creation fails in case
// the name is empty, ".", "..", or contains a slash or NUL byte.
func NewComponent(name string) (Component, bool) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return Component{}, false
	}
	return Component{name: name}, true
}

// MustNewComponent is identical to NewComponent, except that it panics
// upon failure. Useful in tests and for names already known to be
// valid (e.g. ones just read back from an on-disk object of this
// cache's own creation).
func MustNewComponent(name string) Component {
	c, ok := NewComponent(name)
	if !ok {
		panic("invalid pathname component: " + name)
	}
	return c
}

// String returns the textual representation of the component.
func (c Component) String() string {
	return c.name
}
