package emergency

import (
	_ "embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rule maps a keyword set to an outcome.
type Rule struct {
	Name     string   `yaml:"name"`
	Outcome  string   `yaml:"outcome"`
	Keywords []string `yaml:"keywords"`

	pattern *regexp.Regexp
}

// Match reports whether text contains any of the rule's keywords as a whole
// word or phrase. A plural "s" or "es" tail still matches.
func (r *Rule) Match(text string) bool {
	if r.pattern == nil || text == "" {
		return false
	}
	return r.pattern.MatchString(text)
}

func (r *Rule) compile() error {
	if len(r.Keywords) == 0 {
		return fmt.Errorf("rule %q has no keywords", r.Name)
	}
	alts := make([]string, 0, len(r.Keywords))
	for _, kw := range r.Keywords {
		kw = strings.TrimSpace(strings.ToLower(kw))
		if kw == "" {
			continue
		}
		alts = append(alts, regexp.QuoteMeta(kw))
	}
	p, err := regexp.Compile(`(?i)\b(?:` + strings.Join(alts, "|") + `)(?:s|es)?\b`)
	if err != nil {
		return fmt.Errorf("compile rule %q: %w", r.Name, err)
	}
	r.pattern = p
	return nil
}

// RuleTable is an ordered list of rules.
type RuleTable []Rule

// Lookup returns the rule with the given name.
func (t RuleTable) Lookup(name string) (*Rule, bool) {
	for i := range t {
		if t[i].Name == name {
			return &t[i], true
		}
	}
	return nil, false
}

// Matches returns the names of every rule matching text, in table order.
func (t RuleTable) Matches(text string) []string {
	var names []string
	for i := range t {
		if t[i].Match(text) {
			names = append(names, t[i].Name)
		}
	}
	return names
}

// CriticalValueRule flags a lab result as critical.
type CriticalValueRule struct {
	Name        string   `yaml:"name"`
	Analyte     string   `yaml:"analyte"`
	Below       *float64 `yaml:"below"`
	Above       *float64 `yaml:"above"`
	Qualitative string   `yaml:"qualitative"`
	Negated     string   `yaml:"negated"`

	analyte     *regexp.Regexp
	qualitative *regexp.Regexp
	negated     *regexp.Regexp
}

var (
	numberPattern  = regexp.MustCompile(`-?\d{1,3}(?:,\d{3})+(?:\.\d+)?|-?\d+(?:\.\d+)?`)
	mentionEnd     = regexp.MustCompile(`[;\n]|,(?:\D|$)`)
	referenceRange = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]`)
)

// Evaluate reports whether any mention of the rule's analyte in text carries
// a critical value. A mention runs from the analyte to the next comma,
// semicolon or line break; bracketed reference ranges inside it are ignored.
func (r *CriticalValueRule) Evaluate(text string) bool {
	for _, loc := range r.analyte.FindAllStringIndex(text, -1) {
		mention := referenceRange.ReplaceAllString(text[loc[1]:], " ")
		if end := mentionEnd.FindStringIndex(mention); end != nil {
			mention = mention[:end[0]]
		}
		if r.critical(mention) {
			return true
		}
	}
	return false
}

func (r *CriticalValueRule) critical(mention string) bool {
	if r.qualitative != nil {
		if r.negated != nil && r.negated.MatchString(mention) {
			return false
		}
		if r.qualitative.MatchString(mention) {
			return true
		}
	}
	if r.Below == nil && r.Above == nil {
		return false
	}
	raw := numberPattern.FindString(mention)
	if raw == "" {
		return false
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return false
	}
	if r.Below != nil && value < *r.Below {
		return true
	}
	if r.Above != nil && value > *r.Above {
		return true
	}
	return false
}

func (r *CriticalValueRule) compile() error {
	var err error
	if r.analyte, err = regexp.Compile("(?i)" + r.Analyte); err != nil {
		return fmt.Errorf("critical value %q analyte: %w", r.Name, err)
	}
	if r.Qualitative != "" {
		if r.qualitative, err = regexp.Compile("(?i)" + r.Qualitative); err != nil {
			return fmt.Errorf("critical value %q qualitative: %w", r.Name, err)
		}
	}
	if r.Negated != "" {
		if r.negated, err = regexp.Compile("(?i)" + r.Negated); err != nil {
			return fmt.Errorf("critical value %q negated: %w", r.Name, err)
		}
	}
	if r.qualitative == nil && r.Below == nil && r.Above == nil {
		return fmt.Errorf("critical value %q has no threshold", r.Name)
	}
	return nil
}

// RuleSet bundles every table the engine evaluates.
type RuleSet struct {
	TriageGates     RuleTable
	ResourceBuckets RuleTable
	Protocols       RuleTable
	CriticalValues  []CriticalValueRule
}

type ruleFile struct {
	Tables struct {
		TriageGates     RuleTable `yaml:"triage_gates"`
		ResourceBuckets RuleTable `yaml:"resource_buckets"`
		Protocols       RuleTable `yaml:"protocols"`
	} `yaml:"tables"`
	CriticalValues []CriticalValueRule `yaml:"critical_values"`
}

// Table names referenced by the scoring and detection code.
const (
	ruleImmediateThreat    = "immediate_threat"
	ruleHighRisk           = "high_risk"
	ruleStroke             = "stroke"
	ruleSTEMI              = "stemi"
	ruleTrauma             = "trauma"
	ruleSuspectedInfection = "suspected_infection"
	rulePsychiatric        = "psychiatric"
)

// ParseRules decodes and compiles a rule document.
func ParseRules(data []byte) (*RuleSet, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	rs := &RuleSet{
		TriageGates:     f.Tables.TriageGates,
		ResourceBuckets: f.Tables.ResourceBuckets,
		Protocols:       f.Tables.Protocols,
		CriticalValues:  f.CriticalValues,
	}
	for _, t := range []RuleTable{rs.TriageGates, rs.ResourceBuckets, rs.Protocols} {
		for i := range t {
			if err := t[i].compile(); err != nil {
				return nil, err
			}
		}
	}
	for i := range rs.CriticalValues {
		if err := rs.CriticalValues[i].compile(); err != nil {
			return nil, err
		}
	}
	for _, name := range []string{ruleImmediateThreat, ruleHighRisk} {
		if _, ok := rs.TriageGates.Lookup(name); !ok {
			return nil, fmt.Errorf("rules: missing triage gate %q", name)
		}
	}
	for _, name := range []string{ruleStroke, ruleSTEMI, ruleTrauma, ruleSuspectedInfection, rulePsychiatric} {
		if _, ok := rs.Protocols.Lookup(name); !ok {
			return nil, fmt.Errorf("rules: missing protocol %q", name)
		}
	}
	return rs, nil
}

var (
	defaultRulesOnce sync.Once
	defaultRules     *RuleSet
)

// DefaultRules returns the embedded rule set. It panics if the embedded
// document is malformed, which is a build defect.
func DefaultRules() *RuleSet {
	defaultRulesOnce.Do(func() {
		rs, err := ParseRules(defaultRulesYAML)
		if err != nil {
			panic(err)
		}
		defaultRules = rs
	})
	return defaultRules
}

// protocol returns a protocol rule known to exist after ParseRules.
func (rs *RuleSet) protocol(name string) *Rule {
	r, _ := rs.Protocols.Lookup(name)
	return r
}

func (rs *RuleSet) gate(name string) *Rule {
	r, _ := rs.TriageGates.Lookup(name)
	return r
}

// CriticalResult returns the name of the first critical-value rule matched by
// an order's result, or "" if none. The order name is read as a prefix of the
// result so "Potassium" / "7.2" reads as one mention.
func (rs *RuleSet) CriticalResult(orderName, result string) string {
	text := orderName + " " + result
	for i := range rs.CriticalValues {
		if rs.CriticalValues[i].Evaluate(text) {
			return rs.CriticalValues[i].Name
		}
	}
	return ""
}
