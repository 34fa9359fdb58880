package engine

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// KeyScheme prefixes every entity key.
	KeyScheme = "store://"

	// LatestVersion is the version sentinel resolved to the newest version at lookup time.
	LatestVersion = "latest"
)

var (
	slugPattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Key is the five-part address of an entity version:
//
//	store://<project>/<entity type>/<kind>/<name>:<version>
//
// An empty Version means the version segment was omitted, which resolves
// exactly like LatestVersion.
type Key struct {
	Project    string     `json:"project"`
	EntityType EntityType `json:"entity_type"`
	Kind       string     `json:"kind"`
	Name       string     `json:"name"`
	Version    string     `json:"version,omitempty"`
}

// ParseKey parses a key URI. It fails with MALFORMED_KEY on any grammar violation.
func ParseKey(uri string) (Key, error) {
	if !strings.HasPrefix(uri, KeyScheme) {
		return Key{}, NewMalformedKeyError(uri, "missing "+KeyScheme+" scheme")
	}

	parts := strings.Split(strings.TrimPrefix(uri, KeyScheme), "/")
	if len(parts) != 4 {
		return Key{}, NewMalformedKeyError(uri, fmt.Sprintf("expected 4 path segments, got %d", len(parts)))
	}

	key := Key{
		Project:    parts[0],
		EntityType: EntityType(parts[1]),
		Kind:       parts[2],
		Name:       parts[3],
	}

	if i := strings.Index(key.Name, ":"); i >= 0 {
		key.Version = key.Name[i+1:]
		key.Name = key.Name[:i]
		if key.Version == "" {
			return Key{}, NewMalformedKeyError(uri, "empty version after ':'")
		}
	}

	if err := key.validate(uri); err != nil {
		return Key{}, err
	}
	return key, nil
}

// MustParseKey is like ParseKey but panics on error. Intended for constants and tests.
func MustParseKey(uri string) Key {
	k, err := ParseKey(uri)
	if err != nil {
		panic(err)
	}
	return k
}

// String builds the URI form of the key. It is the inverse of ParseKey.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(KeyScheme)
	b.WriteString(k.Project)
	b.WriteByte('/')
	b.WriteString(string(k.EntityType))
	b.WriteByte('/')
	b.WriteString(k.Kind)
	b.WriteByte('/')
	b.WriteString(k.Name)
	if k.Version != "" {
		b.WriteByte(':')
		b.WriteString(k.Version)
	}
	return b.String()
}

// Validate checks every segment of the key.
func (k Key) Validate() error {
	return k.validate(k.String())
}

func (k Key) validate(uri string) error {
	segments := []struct {
		name  string
		value string
	}{
		{"project", k.Project},
		{"entity type", string(k.EntityType)},
		{"kind", k.Kind},
		{"name", k.Name},
	}
	for _, s := range segments {
		if s.value == "" {
			return NewMalformedKeyError(uri, s.name+" is empty")
		}
		if !slugPattern.MatchString(s.value) {
			return NewMalformedKeyError(uri, fmt.Sprintf("%s %q is not a slug", s.name, s.value))
		}
	}
	if err := k.EntityType.Validate(); err != nil {
		return NewMalformedKeyError(uri, err.Error())
	}
	if k.Version != "" && !versionPattern.MatchString(k.Version) {
		return NewMalformedKeyError(uri, fmt.Sprintf("version %q contains invalid characters", k.Version))
	}
	return nil
}

// IsLatest reports whether the key must be resolved before use.
func (k Key) IsLatest() bool {
	return k.Version == "" || k.Version == LatestVersion
}

// WithVersion returns a copy of the key pinned to version.
func (k Key) WithVersion(version string) Key {
	k.Version = version
	return k
}

// Unversioned returns the key without its version segment.
func (k Key) Unversioned() Key {
	k.Version = ""
	return k
}

// Equal compares all five fields. Callers compare resolved keys; two
// unresolved "latest" keys are equal only as references.
func (k Key) Equal(other Key) bool {
	return k == other
}

// IsSlug reports whether s is a valid key segment.
func IsSlug(s string) bool {
	return slugPattern.MatchString(s)
}
