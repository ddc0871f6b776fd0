// Package redact implements the Redactor described in spec.md §4.2: ordered
// regex rules applied to event and chain-of-thought text before anything
// reaches the Async Writer or a subscriber, with a strict mode that discards
// text entirely and keeps only a content hash.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"

	"github.com/basket/observer-core/internal/config"
)

// Result is the outcome of redacting a single string.
type Result struct {
	// Text holds the (possibly rewritten) string. In strict mode this is
	// always empty; callers must use Hash and the Redacted flag instead.
	Text     string
	Redacted bool
	Hash     string
}

type rule struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
}

// Redactor applies a compiled, ordered rule list in standard mode, or
// discards text and keeps only a hash in strict mode.
type Redactor struct {
	mu    sync.RWMutex
	rules []rule
	mode  config.PrivacyMode
}

// New compiles the configured rules. Rules with an invalid pattern are
// skipped; a malformed operator-supplied regex must not take down ingestion.
func New(mode config.PrivacyMode, rules []config.RedactionRuleConfig) *Redactor {
	r := &Redactor{mode: mode}
	r.setRules(rules)
	return r
}

// Reload swaps in a new rule list and mode, used by config.Watcher hot-reload.
func (r *Redactor) Reload(mode config.PrivacyMode, rules []config.RedactionRuleConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
	r.setRulesLocked(rules)
}

func (r *Redactor) setRules(rules []config.RedactionRuleConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setRulesLocked(rules)
}

func (r *Redactor) setRulesLocked(rules []config.RedactionRuleConfig) {
	compiled := make([]rule, 0, len(rules))
	for _, rc := range rules {
		pat, err := regexp.Compile(rc.Pattern)
		if err != nil {
			continue
		}
		replacement := rc.Replacement
		if replacement == "" {
			replacement = fmt.Sprintf("[REDACTED:%s]", rc.Name)
		}
		compiled = append(compiled, rule{name: rc.Name, pattern: pat, replacement: replacement})
	}
	r.rules = compiled
}

// Mode returns the active privacy mode.
func (r *Redactor) Mode() config.PrivacyMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// RedactText implements redactText(s) from spec.md §4.2.
func (r *Redactor) RedactText(s string) Result {
	hash := hashString(s)

	r.mu.RLock()
	mode := r.mode
	rules := r.rules
	r.mu.RUnlock()

	if mode == config.PrivacyStrict {
		return Result{Redacted: true, Hash: hash}
	}

	working := s
	matched := false
	for _, rl := range rules {
		if rl.pattern.MatchString(working) {
			matched = true
			working = rl.pattern.ReplaceAllString(working, rl.replacement)
		}
	}
	if matched {
		return Result{Text: working, Redacted: true, Hash: hash}
	}
	return Result{Text: s, Redacted: false, Hash: hash}
}

// RedactObject implements redactObject(v) from spec.md §4.2: structural
// recursion over JSON-shaped values (the producer contract guarantees
// metadata is acyclic), redacting every string leaf.
func (r *Redactor) RedactObject(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		res := r.RedactText(val)
		if res.Redacted && res.Text == "" {
			return "[REDACTED]"
		}
		return res.Text
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = r.RedactObject(elem)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = r.RedactObject(elem)
		}
		return out
	default:
		return v
	}
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
