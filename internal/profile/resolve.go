package profile

import (
	"fmt"
	"regexp"
)

// DefaultName is used when neither flag nor config names a profile.
const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Resolve picks the active profile: the flag, then the configured default,
// then DefaultName.
func Resolve(flagOverride, configured string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if configured != "" {
		return configured
	}
	return DefaultName
}

// ValidateName checks that name is usable as a directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
