package signal

import (
	"fmt"
	"regexp"
	"strings"
)

// Field names one value extracted from analyzer text.
type Field string

const (
	FieldDirection  Field = "direction"
	FieldReason     Field = "reason"
	FieldStopLoss   Field = "stop_loss"
	FieldTakeProfit Field = "take_profit"
	FieldComment    Field = "comment"
)

// Candidate is one matcher in a field's ordered fallback list. The first
// capture group of Pattern holds the value.
type Candidate struct {
	Name    string
	Pattern *regexp.Regexp
}

// Match returns the cleaned capture of the candidate, if the pattern matches anywhere in text.
func (c Candidate) Match(text string) (string, bool) {
	m := c.Pattern.FindStringSubmatch(text)
	if m == nil || len(m) < 2 {
		return "", false
	}
	return cleanValue(m[1]), true
}

// FieldRule is the ordered candidate list for a single field.
type FieldRule struct {
	Field      Field
	Default    string
	Candidates []Candidate
}

// Extract commits to the first matching candidate. Later candidates are never consulted.
func (r FieldRule) Extract(text string) (string, bool) {
	for _, c := range r.Candidates {
		if value, ok := c.Match(text); ok {
			return value, true
		}
	}
	return r.Default, false
}

// Grammar is the data the parser runs on: one rule per field plus the
// patterns that identify labelled lines for the reason fallback.
type Grammar struct {
	Rules      []FieldRule
	LabelLines []*regexp.Regexp
}

// Rule returns the rule for field.
func (g Grammar) Rule(field Field) (FieldRule, bool) {
	for _, r := range g.Rules {
		if r.Field == field {
			return r, true
		}
	}
	return FieldRule{}, false
}

// WithCandidate returns a copy of g with c added to field's list, either
// ahead of the existing candidates or after them.
func (g Grammar) WithCandidate(field Field, c Candidate, first bool) Grammar {
	rules := make([]FieldRule, len(g.Rules))
	copy(rules, g.Rules)
	for i, r := range rules {
		if r.Field != field {
			continue
		}
		candidates := make([]Candidate, 0, len(r.Candidates)+1)
		if first {
			candidates = append(candidates, c)
			candidates = append(candidates, r.Candidates...)
		} else {
			candidates = append(candidates, r.Candidates...)
			candidates = append(candidates, c)
		}
		rules[i].Candidates = candidates
	}
	return Grammar{Rules: rules, LabelLines: g.LabelLines}
}

// IsLabelLine reports whether line looks like a labelled field.
func (g Grammar) IsLabelLine(line string) bool {
	for _, re := range g.LabelLines {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Label describes one numbered entry of the response template sent upstream.
type Label struct {
	Field   Field
	Number  int
	Pattern string
	Default string
}

// DefaultLabels mirrors the five-line template of the default analyzer prompt.
var DefaultLabels = []Label{
	{Field: FieldDirection, Number: 1, Pattern: `Сигнал|Signal`, Default: string(DirectionNoTrade)},
	{Field: FieldReason, Number: 2, Pattern: `Причина|Reason`},
	{Field: FieldStopLoss, Number: 3, Pattern: `Stop[ \t]*Loss(?:[ \t]*\(SL\))?|\bSL`, Default: "-"},
	{Field: FieldTakeProfit, Number: 4, Pattern: `Take[ \t]*Profit(?:[ \t]*\(TP\))?|\bTP`, Default: "-"},
	{Field: FieldComment, Number: 5, Pattern: `Комментарий|Comment`},
}

const (
	directionValue = `[\s*_]*(Buy|Sell|No[ \t_-]*Trade)\b`
	textValue      = `[ \t*_]*((?s:.*?))`
	boldOpen       = `[*_]{1,2}[ \t]*`
	boldClose      = `[ \t]*(?:[*_]{1,2}[ \t]*:|:[ \t]*[*_]{1,2})`
)

// DefaultGrammar builds the grammar for DefaultLabels.
func DefaultGrammar() Grammar {
	g, err := BuildGrammar(DefaultLabels)
	if err != nil {
		panic("signal: default grammar: " + err.Error())
	}
	return g
}

// BuildGrammar compiles the standard candidate ladder for every label:
// numbered, numbered with bold label, bare label, bold label.
func BuildGrammar(labels []Label) (Grammar, error) {
	var g Grammar
	all := make([]string, 0, len(labels))
	for _, l := range labels {
		all = append(all, "(?:"+l.Pattern+")")
	}

	for i, l := range labels {
		value := textValue + terminator(labels[i+1:], l.Number+1)
		if l.Field == FieldDirection {
			value = directionValue
		}
		sources := []struct{ name, expr string }{
			{"numbered", fmt.Sprintf(`(?im)^[ \t]*%d\.[ \t]*(?:%s)[ \t]*:%s`, l.Number, l.Pattern, value)},
			{"numbered-bold", fmt.Sprintf(`(?im)^[ \t]*%d\.[ \t]*%s(?:%s)%s%s`, l.Number, boldOpen, l.Pattern, boldClose, value)},
			{"bare", fmt.Sprintf(`(?i)(?:%s)[ \t]*:%s`, l.Pattern, value)},
			{"bold", fmt.Sprintf(`(?i)%s(?:%s)%s%s`, boldOpen, l.Pattern, boldClose, value)},
		}
		rule := FieldRule{Field: l.Field, Default: l.Default}
		for _, src := range sources {
			re, err := regexp.Compile(src.expr)
			if err != nil {
				return Grammar{}, fmt.Errorf("compile %s/%s candidate: %w", l.Field, src.name, err)
			}
			rule.Candidates = append(rule.Candidates, Candidate{Name: src.name, Pattern: re})
		}
		g.Rules = append(g.Rules, rule)
	}

	labelAlt := strings.Join(all, "|")
	numbered, err := regexp.Compile(`(?i)^[ \t]*(?:\d+\.[ \t]*)?[*_]{0,2}[ \t]*(?:` + labelAlt + `)[ \t]*[*_]{0,2}[ \t]*:`)
	if err != nil {
		return Grammar{}, fmt.Errorf("compile label line: %w", err)
	}
	g.LabelLines = []*regexp.Regexp{numbered, regexp.MustCompile(`^[ \t]*\*\*.*\*\*[ \t]*:`)}
	return g, nil
}

// terminator stops a value at the next numbered entry, at a later field's
// label opening a line, or at the end of the text.
func terminator(later []Label, next int) string {
	var alts []string
	if next <= 9 {
		alts = append(alts, fmt.Sprintf(`[%d-9]\.`, next))
	}
	if len(later) > 0 {
		names := make([]string, 0, len(later))
		for _, l := range later {
			names = append(names, "(?:"+l.Pattern+")")
		}
		alts = append(alts, `[*_]{0,2}[ \t]*(?:`+strings.Join(names, "|")+`)[ \t]*[*_]{0,2}[ \t]*:`)
	}
	if len(alts) == 0 {
		return `\z`
	}
	return `(?:\n[ \t]*(?:` + strings.Join(alts, "|") + `)|\z)`
}

func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	v = strings.Trim(v, "*_ \t")
	return strings.TrimSpace(v)
}
