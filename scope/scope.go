// Package scope identifies where a step executes: the account, organization,
// project and pipeline run that own it.
package scope

import (
	"errors"
	"fmt"
	"strings"
)

// Level is the hierarchy level a reference or record belongs to.
type Level string

const (
	LevelAccount Level = "account"
	LevelOrg     Level = "org"
	LevelProject Level = "project"
)

// Scope is the execution-context reference of a step instance.
type Scope struct {
	Account string `json:"account"`
	Org     string `json:"org"`
	Project string `json:"project"`
	Run     string `json:"run,omitempty"`
}

// Validate checks that the account, org and project identifiers are present.
// Run is optional so snapshots can be keyed without it.
func (s Scope) Validate() error {
	var errs []error
	if s.Account == "" {
		errs = append(errs, errors.New("scope: account is required"))
	}
	if s.Org == "" {
		errs = append(errs, errors.New("scope: org is required"))
	}
	if s.Project == "" {
		errs = append(errs, errors.New("scope: project is required"))
	}
	for _, part := range []string{s.Account, s.Org, s.Project, s.Run} {
		if strings.Contains(part, "/") {
			errs = append(errs, fmt.Errorf("scope: identifier %q must not contain '/'", part))
		}
	}
	return errors.Join(errs...)
}

// Path returns the identifiers up to the given level joined with '/'.
func (s Scope) Path(level Level) string {
	switch level {
	case LevelAccount:
		return s.Account
	case LevelOrg:
		return s.Account + "/" + s.Org
	default:
		return s.Account + "/" + s.Org + "/" + s.Project
	}
}

// RunPath returns the project path followed by the run identifier.
func (s Scope) RunPath() string {
	return s.Path(LevelProject) + "/" + s.Run
}

// WithoutRun drops the run identifier. Snapshots outlive runs and are keyed
// without it.
func (s Scope) WithoutRun() Scope {
	s.Run = ""
	return s
}

// String implements fmt.Stringer.
func (s Scope) String() string {
	if s.Run == "" {
		return s.Path(LevelProject)
	}
	return s.RunPath()
}
