package secrets

import (
	"fmt"
	"sort"
	"strings"
)

// Redaction describes one finding without its value.
type Redaction struct {
	RuleID     string `json:"rule_id"`
	RuleDesc   string `json:"rule_desc"`
	LineNumber int    `json:"line_number"`
	Column     int    `json:"column"`
	Length     int    `json:"length"`
}

// Report summarises findings for audit records. It never carries secret
// values.
type Report struct {
	Total      int            `json:"total"`
	RuleCounts map[string]int `json:"rule_counts"`
	Redactions []Redaction    `json:"redactions"`
}

// NewReport builds a Report from findings.
func NewReport(findings []Finding) Report {
	r := Report{
		Total:      len(findings),
		RuleCounts: map[string]int{},
		Redactions: make([]Redaction, 0, len(findings)),
	}
	for _, f := range findings {
		r.RuleCounts[f.RuleID]++
		r.Redactions = append(r.Redactions, Redaction{
			RuleID:     f.RuleID,
			RuleDesc:   f.RuleDesc,
			LineNumber: f.Line,
			Column:     f.StartCol,
			Length:     len(f.Match),
		})
	}
	return r
}

// Rules returns the distinct rule ids, sorted.
func (r Report) Rules() []string {
	out := make([]string, 0, len(r.RuleCounts))
	for id := range r.RuleCounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Redact replaces each finding in content with a [REDACTED:rule] marker.
func Redact(content string, findings []Finding) string {
	if len(findings) == 0 {
		return content
	}
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	// Replace right to left so earlier columns stay valid.
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Line != sorted[j].Line {
			return sorted[i].Line > sorted[j].Line
		}
		return sorted[i].StartCol > sorted[j].StartCol
	})

	lines := strings.Split(content, "\n")
	for _, f := range sorted {
		if f.Line < 1 || f.Line > len(lines) {
			continue
		}
		line := lines[f.Line-1]
		start := strings.Index(line, f.Match)
		if f.Match == "" || start < 0 {
			continue
		}
		lines[f.Line-1] = line[:start] + fmt.Sprintf("[REDACTED:%s]", f.RuleID) + line[start+len(f.Match):]
	}
	return strings.Join(lines, "\n")
}
