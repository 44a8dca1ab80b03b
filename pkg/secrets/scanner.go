package secrets

import (
	"fmt"
	"regexp"
	"slices"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret.
type Finding struct {
	RuleID   string
	RuleDesc string
	Line     int
	StartCol int
	EndCol   int
	// Match is the raw secret. It must not be persisted; use Report.
	Match string
}

// Scanner runs the Gitleaks default rules plus an allowlist. It is safe
// for concurrent use; SetAllowlist swaps the allowlist atomically.
type Scanner struct {
	base gitleaksConfig.Config

	mu  sync.RWMutex
	cfg gitleaksConfig.Config
}

// NewScanner loads the Gitleaks default configuration once.
func NewScanner(allow *Allowlist) (*Scanner, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks config: %w", err)
	}
	s := &Scanner{base: d.Config}
	if err := s.SetAllowlist(allow); err != nil {
		return nil, err
	}
	return s, nil
}

// SetAllowlist replaces the active allowlist. nil clears it.
func (s *Scanner) SetAllowlist(allow *Allowlist) error {
	cfg := s.base
	cfg.Allowlists = slices.Clone(s.base.Allowlists)
	if !allow.Empty() {
		gl, err := compileAllowlist(allow)
		if err != nil {
			return err
		}
		cfg.Allowlists = append(cfg.Allowlists, gl)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Scan returns the secrets found in content.
func (s *Scanner) Scan(content string) []Finding {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	found := detect.NewDetector(cfg).DetectString(content)
	out := make([]Finding, 0, len(found))
	for _, f := range found {
		out = append(out, Finding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			StartCol: f.StartColumn,
			EndCol:   f.EndColumn,
			Match:    f.Secret,
		})
	}
	return out
}

func compileAllowlist(allow *Allowlist) (*gitleaksConfig.Allowlist, error) {
	gl := &gitleaksConfig.Allowlist{Description: "ledgerd allowlist"}
	for _, p := range allow.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		gl.Paths = append(gl.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, p := range allow.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		gl.Regexes = append(gl.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	gl.StopWords = append(gl.StopWords, allow.Regexes...)
	return gl, nil
}
