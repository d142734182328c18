// Package policy maps classifier flag types to moderation actions. A Table is
// an ordered list of rules matched case-insensitively by type name; the first
// matching rule wins. Tables are immutable after construction and safe for
// concurrent use.
package policy

import (
	"strings"
)

// DefaultMuteDays is the global fallback mute duration used when neither the
// configuration nor a matched rule supplies one.
const DefaultMuteDays = 7

// Placeholders substituted into a rule's append template.
const (
	PlaceholderType   = "{TYPE}"
	PlaceholderReason = "{REASON}"
)

// Rule defines the moderation policy for one flag type.
//
// ShouldMute and MuteDurationDays are pointers so that an absent value can be
// told apart from an explicit false/zero: an enabled rule with no ShouldMute
// mutes, and a rule with no MuteDurationDays uses the table default.
type Rule struct {
	Type             string `mapstructure:"type" json:"type"`
	Enabled          bool   `mapstructure:"enabled" json:"enabled"`
	ShouldMute       *bool  `mapstructure:"should_mute" json:"should_mute,omitempty"`
	MuteDurationDays *int   `mapstructure:"mute_duration_days" json:"mute_duration_days,omitempty"`
	AppendTemplate   string `mapstructure:"append_template" json:"append_template"`
}

// DefaultRules returns the rule list shipped with a fresh install.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type:             "FLAGGED",
			Enabled:          true,
			ShouldMute:       Bool(true),
			MuteDurationDays: Int(1),
			AppendTemplate:   "🤖 The AI moderator has flagged this post for the following reason: {REASON}",
		},
		{
			Type:             "REVIEW",
			Enabled:          true,
			ShouldMute:       Bool(false),
			MuteDurationDays: Int(1),
			AppendTemplate:   "🤖 The AI moderator has flagged this post for {TYPE} for the following reason {REASON}",
		},
		{
			Type:             "ALLOW",
			Enabled:          false,
			ShouldMute:       Bool(false),
			MuteDurationDays: Int(0),
		},
	}
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// Table is an ordered, read-only set of rules.
type Table struct {
	rules       []Rule
	defaultDays int
}

// NewTable copies rules into a new Table. defaultDays is the global mute
// duration used for rules without one and for unmatched types.
func NewTable(rules []Rule, defaultDays int) *Table {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Table{rules: cp, defaultDays: defaultDays}
}

// Lookup returns the first rule whose type matches name case-insensitively,
// regardless of whether it is enabled.
func (t *Table) Lookup(name string) (Rule, bool) {
	for _, r := range t.rules {
		if strings.EqualFold(r.Type, name) {
			return r, true
		}
	}
	return Rule{}, false
}

// lookupEnabled returns the first enabled rule matching name. A disabled rule
// earlier in the list does not shadow a later enabled one.
func (t *Table) lookupEnabled(name string) (Rule, bool) {
	for _, r := range t.rules {
		if r.Enabled && strings.EqualFold(r.Type, name) {
			return r, true
		}
	}
	return Rule{}, false
}

// ShouldCheck reports whether verdicts of this type are acted upon at all.
func (t *Table) ShouldCheck(flagType string) bool {
	_, ok := t.lookupEnabled(flagType)
	return ok
}

// ShouldMute reports whether a verdict of this type mutes its author.
// Unknown or disabled types never mute.
func (t *Table) ShouldMute(flagType string) bool {
	r, ok := t.lookupEnabled(flagType)
	if !ok {
		return false
	}
	if r.ShouldMute == nil {
		return true
	}
	return *r.ShouldMute
}

// MuteDurationDays returns the mute length for a flag type. A matched rule
// that does not mute yields 0. Unmatched types fall back to the table
// default, not 0.
func (t *Table) MuteDurationDays(flagType string) int {
	r, ok := t.lookupEnabled(flagType)
	if !ok {
		return t.defaultDays
	}
	if r.ShouldMute != nil && !*r.ShouldMute {
		return 0
	}
	if r.MuteDurationDays == nil {
		return t.defaultDays
	}
	return *r.MuteDurationDays
}

// AppendMessage renders the append template of the first rule matching
// flagType. The lookup ignores Enabled so that a rule can keep annotating
// content while its muting is switched off. Returns "" when nothing matches
// or the template is blank.
func (t *Table) AppendMessage(flagType, reason string) string {
	r, ok := t.Lookup(flagType)
	if !ok || strings.TrimSpace(r.AppendTemplate) == "" {
		return ""
	}
	msg := strings.ReplaceAll(r.AppendTemplate, PlaceholderType, flagType)
	return strings.ReplaceAll(msg, PlaceholderReason, reason)
}
