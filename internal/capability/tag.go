package capability

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nicholaskb/semant/internal/types"
)

// Tag is a versioned capability identifier of the form "name@vN",
// e.g. "generate@v1" or "review@v2". Workers advertise tags and workflow
// steps require them; compatibility is decided by Compatible rather than
// ad-hoc string matching, so mismatches surface at registration time.
type Tag struct {
	// Name is the capability name, e.g. "generate".
	Name string `json:"name"`

	// Version is the capability version, starting at 1.
	Version int `json:"version"`
}

var tagNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ParseTag parses a capability tag string of the form "name@vN".
// A bare "name" is accepted and defaults to version 1.
func ParseTag(s string) (Tag, error) {
	if s == "" {
		return Tag{}, types.NewError(types.CAPABILITY_INVALID, "capability tag cannot be empty")
	}

	name := s
	version := 1

	if idx := strings.Index(s, "@"); idx >= 0 {
		name = s[:idx]
		ver := s[idx+1:]
		if !strings.HasPrefix(ver, "v") {
			return Tag{}, types.NewError(types.CAPABILITY_INVALID,
				fmt.Sprintf("capability tag %q has malformed version %q", s, ver))
		}
		n, err := strconv.Atoi(ver[1:])
		if err != nil || n < 1 {
			return Tag{}, types.NewError(types.CAPABILITY_INVALID,
				fmt.Sprintf("capability tag %q has malformed version %q", s, ver))
		}
		version = n
	}

	if !tagNameRe.MatchString(name) {
		return Tag{}, types.NewError(types.CAPABILITY_INVALID,
			fmt.Sprintf("capability tag name %q is invalid", name))
	}

	return Tag{Name: name, Version: version}, nil
}

// MustParseTag parses a tag and panics on error. Intended for constants
// and tests where the tag literal is known to be valid.
func MustParseTag(s string) Tag {
	tag, err := ParseTag(s)
	if err != nil {
		panic(err)
	}
	return tag
}

// String returns the canonical "name@vN" form of the tag.
func (t Tag) String() string {
	return fmt.Sprintf("%s@v%d", t.Name, t.Version)
}

// IsZero reports whether the tag has no name.
func (t Tag) IsZero() bool {
	return t.Name == ""
}

// Validate checks that the tag has a well-formed name and version.
func (t Tag) Validate() error {
	if !tagNameRe.MatchString(t.Name) {
		return types.NewError(types.CAPABILITY_INVALID,
			fmt.Sprintf("capability tag name %q is invalid", t.Name))
	}
	if t.Version < 1 {
		return types.NewError(types.CAPABILITY_INVALID,
			fmt.Sprintf("capability tag %q has invalid version %d", t.Name, t.Version))
	}
	return nil
}

// Compatible reports whether an offered capability satisfies a required one.
// Versions are additive: an agent offering generate@v2 can serve a step
// requiring generate@v1, but not the reverse.
func Compatible(required, offered Tag) bool {
	return required.Name == offered.Name && offered.Version >= required.Version
}
