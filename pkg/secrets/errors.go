// Package secrets scans content for credentials with the Gitleaks rule set
// and redacts what it finds. Allowlists come from .gitleaks.toml style
// files and may be hot-reloaded with a Watcher.
package secrets

import "errors"

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)
