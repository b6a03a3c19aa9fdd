// Package safety screens memory content before it is persisted. It detects
// personally identifiable information with a fixed regex set, scans for
// configured sensitive words, and enforces a length ceiling. The filter
// never calls out to a model; it is deterministic and cheap enough to run
// on every write.
package safety

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Action is the verdict strength, weakest to strongest.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionWarn   Action = "warn"
	ActionRedact Action = "redact"
	ActionBlock  Action = "block"
)

// RedactPlaceholder replaces matched PII spans in redact mode.
const RedactPlaceholder = "[REDACTED]"

// piiPattern pairs a PII category with its detector.
type piiPattern struct {
	kind string
	re   *regexp.Regexp
}

// piiPatterns is the fixed detection set. Order is stable so verdicts list
// categories deterministically.
var piiPatterns = []piiPattern{
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"phone_cn", regexp.MustCompile(`\b1[3-9]\d{9}\b`)},
	{"phone_us", regexp.MustCompile(`\b(?:\(\d{3}\)\s?|\d{3}[-.])\d{3}[-.]?\d{4}\b`)},
	{"id_card_cn", regexp.MustCompile(`\b[1-9]\d{5}(?:19|20)\d{2}(?:0[1-9]|1[0-2])(?:0[1-9]|[12]\d|3[01])\d{3}[\dXx]\b`)},
	{"credit_card", regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)},
	{"ip_address", regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\b`)},
	{"api_key", regexp.MustCompile(`(?i)\b(?:sk-|api[_-]|key[_-]|secret[_-]|token[_-]|auth[_-])[A-Za-z0-9_-]{20,}\b`)},
}

// Config controls filter behavior. The zero value is NOT usable; use
// DefaultConfig as a base.
type Config struct {
	Enabled   bool
	MaxLength int // rune count ceiling; above it the write is blocked

	// PIIAction is applied when any PII pattern matches:
	// allow, warn, redact, or block.
	PIIAction Action

	// SensitiveWords are matched case-insensitively as substrings.
	SensitiveWords []string
	// SensitiveWordAction is warn or block.
	SensitiveWordAction Action

	// CustomPatterns are extra detectors, name -> regex source. Matches
	// always warn.
	CustomPatterns map[string]string
}

// DefaultConfig redacts PII and blocks nothing beyond length.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		MaxLength:           2000,
		PIIAction:           ActionRedact,
		SensitiveWordAction: ActionWarn,
	}
}

// Verdict is the filter's decision for one piece of content.
type Verdict struct {
	Action Action
	// Content is the possibly-rewritten text. Equal to the input unless
	// redaction fired. Meaningless when Action is block.
	Content string
	// PIIDetected lists the PII categories found.
	PIIDetected []string
	// SensitiveWords lists the configured words found.
	SensitiveWords []string
	// Reasons is a human-readable account of everything that fired.
	Reasons []string
}

// Blocked reports whether the content must not be persisted.
func (v Verdict) Blocked() bool { return v.Action == ActionBlock }

// Filter screens content. Safe for concurrent use after construction.
type Filter struct {
	cfg    Config
	custom []piiPattern
}

// New compiles the configuration. An invalid custom pattern is a
// construction error, not a runtime surprise.
func New(cfg Config) (*Filter, error) {
	f := &Filter{cfg: cfg}

	names := make([]string, 0, len(cfg.CustomPatterns))
	for name := range cfg.CustomPatterns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		re, err := regexp.Compile(cfg.CustomPatterns[name])
		if err != nil {
			return nil, fmt.Errorf("safety: compile custom pattern %q: %w", name, err)
		}
		f.custom = append(f.custom, piiPattern{kind: name, re: re})
	}
	return f, nil
}

// Check screens content and returns a verdict. The strongest triggered
// action wins: block > redact > warn > allow.
func (f *Filter) Check(content string) Verdict {
	if !f.cfg.Enabled || content == "" {
		return Verdict{Action: ActionAllow, Content: content}
	}

	v := Verdict{Content: content}
	var blockReasons, warnReasons []string

	// 1. Length gate.
	if n := utf8.RuneCountInString(content); f.cfg.MaxLength > 0 && n > f.cfg.MaxLength {
		blockReasons = append(blockReasons, fmt.Sprintf("content exceeds max length (%d > %d)", n, f.cfg.MaxLength))
	}

	// 2. PII scan.
	filtered := content
	for _, p := range piiPatterns {
		if !p.re.MatchString(content) {
			continue
		}
		v.PIIDetected = append(v.PIIDetected, p.kind)
		if f.cfg.PIIAction == ActionRedact {
			filtered = p.re.ReplaceAllString(filtered, RedactPlaceholder)
		}
	}
	if len(v.PIIDetected) > 0 {
		reason := "PII detected: " + strings.Join(v.PIIDetected, ", ")
		switch f.cfg.PIIAction {
		case ActionBlock:
			blockReasons = append(blockReasons, reason)
		case ActionWarn:
			warnReasons = append(warnReasons, reason)
		}
	}

	// 3. Sensitive words.
	lower := strings.ToLower(content)
	for _, w := range f.cfg.SensitiveWords {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			v.SensitiveWords = append(v.SensitiveWords, w)
		}
	}
	if len(v.SensitiveWords) > 0 {
		reason := "sensitive words detected: " + strings.Join(v.SensitiveWords, ", ")
		if f.cfg.SensitiveWordAction == ActionBlock {
			blockReasons = append(blockReasons, reason)
		} else {
			warnReasons = append(warnReasons, reason)
		}
	}

	// 4. Custom patterns always warn.
	var customHits []string
	for _, p := range f.custom {
		if p.re.MatchString(content) {
			customHits = append(customHits, p.kind)
		}
	}
	if len(customHits) > 0 {
		warnReasons = append(warnReasons, "custom patterns matched: "+strings.Join(customHits, ", "))
	}

	switch {
	case len(blockReasons) > 0:
		v.Action = ActionBlock
		v.Reasons = append(blockReasons, warnReasons...)
	case filtered != content:
		v.Action = ActionRedact
		v.Content = filtered
		v.Reasons = warnReasons
	case len(warnReasons) > 0:
		v.Action = ActionWarn
		v.Reasons = warnReasons
	default:
		v.Action = ActionAllow
	}
	return v
}
