package domain

import (
	"fmt"
	"strings"
)

// Store entity ids are carried in canonical GID form
// "gid://store/<Type>/<number>". Numeric-only ids are accepted on input and
// normalized before persistence.

const gidPrefix = "gid://store/"

// GID builds the canonical id for a typed store entity.
func GID(typ, n string) string {
	return gidPrefix + typ + "/" + n
}

// NormalizeGID returns the canonical GID for raw, which may already be a GID
// of the expected type or a bare numeric id.
func NormalizeGID(typ, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty id", ErrInvalidTarget)
	}
	if strings.HasPrefix(raw, gidPrefix) {
		rest := strings.TrimPrefix(raw, gidPrefix)
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[1] == "" {
			return "", fmt.Errorf("%w: malformed gid %q", ErrInvalidTarget, raw)
		}
		if parts[0] != typ {
			return "", fmt.Errorf("%w: expected %s gid, got %q", ErrInvalidTarget, typ, raw)
		}
		return raw, nil
	}
	if !isDigits(raw) {
		return "", fmt.Errorf("%w: id %q is neither a gid nor numeric", ErrInvalidTarget, raw)
	}
	return GID(typ, raw), nil
}

// GIDTail returns the trailing numeric part of a GID, or the input unchanged
// when it is not in GID form.
func GIDTail(id string) string {
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
