package uncertainty

import "regexp"

type languagePattern struct {
	re   *regexp.Regexp
	kind string
}

// languagePatterns are checked in order; each one yields at most one signal.
var languagePatterns = []languagePattern{
	{regexp.MustCompile(`(?i)\bI'm not sure\b`), "explicit_uncertainty"},
	{regexp.MustCompile(`(?i)\bI think\b`), "hedging"},
	{regexp.MustCompile(`(?i)\bprobably\b`), "hedging"},
	{regexp.MustCompile(`(?i)\bmight\b`), "hedging"},
	{regexp.MustCompile(`(?i)\bpossibly\b`), "hedging"},
	{regexp.MustCompile(`(?i)\bI assume\b`), "assumption"},
	{regexp.MustCompile(`(?i)\bI believe\b`), "belief"},
	{regexp.MustCompile(`(?i)\bshould work\b`), "uncertainty"},
	{regexp.MustCompile(`(?i)\bnot certain\b`), "explicit_uncertainty"},
	{regexp.MustCompile(`(?i)\bunsure\b`), "explicit_uncertainty"},
	{regexp.MustCompile(`(?i)\bmaybe\b`), "hedging"},
	{regexp.MustCompile(`(?i)\bperhaps\b`), "hedging"},
	{regexp.MustCompile(`(?i)\bit seems\b`), "hedging"},
	{regexp.MustCompile(`(?i)\bI would guess\b`), "guessing"},
	{regexp.MustCompile(`(?i)\bif I understand correctly\b`), "clarification_needed"},
}

var haltKinds = map[string]bool{
	"explicit_uncertainty": true,
	"guessing":             true,
	"clarification_needed": true,
}

// vaguePattern matches re unless the text right after the match matches
// unless. RE2 has no lookahead, so the exclusion is checked per match.
type vaguePattern struct {
	re     *regexp.Regexp
	unless *regexp.Regexp
	kind   string
	source string
}

var vaguePatterns = []vaguePattern{
	{regexp.MustCompile(`(?i)\bimprove\b`), regexp.MustCompile(`(?i)^ by \d`), "vague_improvement", `\bimprove\b(?! by \d)`},
	{regexp.MustCompile(`(?i)\boptimize\b`), regexp.MustCompile(`(?i)^ for`), "vague_optimization", `\boptimize\b(?! for)`},
	{regexp.MustCompile(`(?i)\bbetter\b`), regexp.MustCompile(`(?i)^ than`), "vague_comparison", `\bbetter\b(?! than)`},
	{regexp.MustCompile(`(?i)\bsome\b`), nil, "vague_quantity", `\bsome\b`},
	{regexp.MustCompile(`(?i)\betc\.?\b`), nil, "incomplete_list", `\betc\.?\b`},
	{regexp.MustCompile(`(?i)\band so on\b`), nil, "incomplete_list", `\band so on\b`},
}

func (p vaguePattern) matches(text string) bool {
	for _, loc := range p.re.FindAllStringIndex(text, -1) {
		if p.unless == nil || !p.unless.MatchString(text[loc[1]:]) {
			return true
		}
	}
	return false
}
