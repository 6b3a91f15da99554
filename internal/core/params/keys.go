// Package params defines the hierarchical keys of the indirection store.
package params

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidKey = errors.New("invalid parameter key")

const (
	// MaxKeyLength matches the parameter name limit of the managed store.
	MaxKeyLength = 1011
	// MaxKeyDepth is the deepest hierarchy the managed store accepts.
	MaxKeyDepth = 15
)

// Keys names the three indirection entries shared by the build and
// deployment stages.
type Keys struct {
	RepositoryARN  string `mapstructure:"repository_arn" json:"repository_arn"`
	RepositoryName string `mapstructure:"repository_name" json:"repository_name"`
	LatestTag      string `mapstructure:"latest_tag" json:"latest_tag"`
}

// DefaultKeys returns the well-known keys.
func DefaultKeys() Keys {
	return Keys{
		RepositoryARN:  "/sam/ecr/arn",
		RepositoryName: "/sam/ecr/name",
		LatestTag:      "/sam/ecr/latest",
	}
}

// Validate checks every key.
func (k Keys) Validate() error {
	for _, key := range []string{k.RepositoryARN, k.RepositoryName, k.LatestTag} {
		if err := ValidateKey(key); err != nil {
			return err
		}
	}
	return nil
}

// Prefix returns the longest common hierarchy of the keys, e.g. "/sam/ecr/".
func (k Keys) Prefix() string {
	return CommonPrefix(k.RepositoryARN, k.RepositoryName, k.LatestTag)
}

// ValidateKey checks that key is "/"-rooted, has non-empty segments, and uses
// only letters, digits, '_', '-' and '.'.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidKey, len(key), MaxKeyLength)
	}
	if !strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q must start with /", ErrInvalidKey, key)
	}
	segments := strings.Split(key[1:], "/")
	if len(segments) > MaxKeyDepth {
		return fmt.Errorf("%w: %q is deeper than %d levels", ErrInvalidKey, key, MaxKeyDepth)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidKey, key)
		}
		for _, r := range seg {
			if !validKeyRune(r) {
				return fmt.Errorf("%w: %q contains %q", ErrInvalidKey, key, r)
			}
		}
	}
	return nil
}

func validKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-' || r == '.':
		return true
	}
	return false
}

// CommonPrefix returns the deepest shared "/"-terminated hierarchy of keys.
func CommonPrefix(keys ...string) string {
	if len(keys) == 0 {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(keys[0], "/"), "/")
	parts = parts[:len(parts)-1]
	for _, key := range keys[1:] {
		other := strings.Split(strings.TrimPrefix(key, "/"), "/")
		other = other[:len(other)-1]
		n := 0
		for n < len(parts) && n < len(other) && parts[n] == other[n] {
			n++
		}
		parts = parts[:n]
	}
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/") + "/"
}

// ResourcePattern returns the policy resource covering every key under prefix.
func ResourcePattern(prefix string) string {
	return "arn:aws:ssm:*:*:parameter" + strings.TrimSuffix(prefix, "/") + "/*"
}
