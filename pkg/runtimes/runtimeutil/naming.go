package runtimeutil

import (
	"strings"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// NamePrefix prefixes every backend object the SDK creates.
const NamePrefix = "dhsdk"

const maxNameLength = 63

// ResourceName joins parts under NamePrefix into a DNS-1123 label:
// lower case, underscores and dots replaced, at most 63 characters.
func ResourceName(parts ...string) string {
	var b strings.Builder
	b.WriteString(NamePrefix)
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteByte('-')
		b.WriteString(p)
	}

	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r - 'A' + 'a'
		default:
			return '-'
		}
	}, b.String())
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return strings.TrimRight(name, "-")
}

// RunName returns the name of the run a key references.
func RunName(runKey string) (string, error) {
	key, err := engine.ParseKey(runKey)
	if err != nil {
		return "", err
	}
	if key.EntityType != engine.EntityRun {
		return "", engine.NewValidationError("key "+runKey+" does not reference a run", nil)
	}
	return key.Name, nil
}
