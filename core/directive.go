package core

import (
	"fmt"
	"strings"
)

// Family identifies one of the exception directive dialects
type Family int

const (
	// FamilyTargetExclusion (PP1) removes one target from rule evaluation when a trigger matches
	FamilyTargetExclusion Family = iota + 1
	// FamilyTargetUpdate (PP2) removes a target from a set of rules globally
	FamilyTargetUpdate
	// FamilyEngineDisable (PP3) turns the rule engine off when a trigger matches
	FamilyEngineDisable
	// FamilyGlobalRemoval (PP4/PP5) removes rules by ID or tag globally
	FamilyGlobalRemoval
)

// Families lists every family in command order
var Families = []Family{
	FamilyTargetExclusion,
	FamilyTargetUpdate,
	FamilyEngineDisable,
	FamilyGlobalRemoval,
}

// String returns the short command name of the family (pp1..pp4)
func (f Family) String() string {
	switch f {
	case FamilyTargetExclusion:
		return "pp1"
	case FamilyTargetUpdate:
		return "pp2"
	case FamilyEngineDisable:
		return "pp3"
	case FamilyGlobalRemoval:
		return "pp4"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// Name returns the descriptive family name
func (f Family) Name() string {
	switch f {
	case FamilyTargetExclusion:
		return "TargetExclusion"
	case FamilyTargetUpdate:
		return "TargetUpdate"
	case FamilyEngineDisable:
		return "EngineDisable"
	case FamilyGlobalRemoval:
		return "GlobalRemoval"
	default:
		return "Unknown"
	}
}

// IsValid checks if the family is one of the known dialects
func (f Family) IsValid() bool {
	return f >= FamilyTargetExclusion && f <= FamilyGlobalRemoval
}

// MarshalText encodes the family as its short name
func (f Family) MarshalText() ([]byte, error) {
	if !f.IsValid() {
		return nil, fmt.Errorf("invalid directive family %d", int(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText accepts anything ParseFamily does
func (f *Family) UnmarshalText(text []byte) error {
	parsed, err := ParseFamily(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFamily accepts "pp1".."pp5" (pp5 is an alias of pp4), the
// descriptive name, or the slash command name.
func ParseFamily(s string) (Family, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "/")
	s = strings.TrimPrefix(s, "exception-")
	switch s {
	case "pp1", "targetexclusion":
		return FamilyTargetExclusion, nil
	case "pp2", "targetupdate":
		return FamilyTargetUpdate, nil
	case "pp3", "enginedisable":
		return FamilyEngineDisable, nil
	case "pp4", "pp5", "globalremoval":
		return FamilyGlobalRemoval, nil
	}
	return 0, fmt.Errorf("unknown directive family %q", s)
}

// SelectorKind classifies rule selector tokens
type SelectorKind string

const (
	SelectorByID  SelectorKind = "id"
	SelectorByTag SelectorKind = "tag"
)

// Selector is the uniformly classified set of rule IDs or tags a directive applies to
type Selector struct {
	Kind   SelectorKind `json:"kind"`
	Tokens []string     `json:"tokens"`
}

// Joined returns the tokens separated by commas
func (s Selector) Joined() string {
	return strings.Join(s.Tokens, ",")
}

// Directive is a synthesized exception directive ready for deployment
type Directive struct {
	Family Family `json:"family"`
	Text   string `json:"text"`
	// RuleID is the generated trigger rule identifier, zero for families without one
	RuleID int `json:"rule_id,omitempty"`
	// Phase is 1 or 2 for trigger-rule families, zero otherwise
	Phase int `json:"phase,omitempty"`
	// Method is the operator-facing description of the directive variant
	Method string `json:"method"`
}

// DeployOutcome is the result of one deployment attempt
type DeployOutcome struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
	Stage     string `json:"stage"`
	Detail    string `json:"detail,omitempty"`
}

// Err converts a failed outcome into a DeploymentError, nil on success
func (o DeployOutcome) Err() error {
	if o.Success {
		return nil
	}
	return &DeploymentError{Stage: o.Stage, Message: o.Detail}
}
