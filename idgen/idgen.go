// Package idgen generates the identifiers used by snaplinked rows.
//
// Jobs and action logs carry a type prefix on top of a UUIDv7 so that IDs
// sort by creation time and are recognisable in logs and API paths.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Type prefixes.
const (
	JobPrefix  = "job_"
	LogPrefix  = "act_"
	UserPrefix = "usr_"
)

// Default is the bare UUIDv7 generator.
var Default Generator = UUIDv7()

// Job, Log and User are the generators used by the store.
var (
	Job  = Prefixed(JobPrefix, Default)
	Log  = Prefixed(LogPrefix, Default)
	User = Prefixed(UserPrefix, Default)
)

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// ParsePrefixed checks that s is prefix followed by a valid UUID and returns
// it in canonical form.
func ParsePrefixed(prefix, s string) (string, error) {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return "", fmt.Errorf("idgen: %q lacks prefix %q", s, prefix)
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return prefix + u.String(), nil
}
