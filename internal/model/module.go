package model

import (
	"fmt"
	"regexp"

	"golang.org/x/mod/semver"
)

var moduleNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

// ModuleDescriptor identifies what is being deployed. Immutable once a
// pipeline starts.
type ModuleDescriptor struct {
	Name        string `json:"name" db:"name"`
	Version     string `json:"version" db:"version"`
	Description string `json:"description,omitempty" db:"description"`
	Author      string `json:"author,omitempty" db:"author"`
}

// Validate checks that the module name is a valid slug and the version is
// well-formed semver ("1.2.3", with or without a leading "v").
func (m ModuleDescriptor) Validate() error {
	if !moduleNameRegex.MatchString(m.Name) {
		return fmt.Errorf("invalid module name %q", m.Name)
	}
	if !semver.IsValid(canonicalVersion(m.Version)) {
		return fmt.Errorf("invalid module version %q", m.Version)
	}
	return nil
}

func (m ModuleDescriptor) String() string {
	return m.Name + "@" + m.Version
}

func canonicalVersion(v string) string {
	if v == "" {
		return v
	}
	if v[0] != 'v' {
		return "v" + v
	}
	return v
}
