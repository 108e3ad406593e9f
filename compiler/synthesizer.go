package compiler

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"warden/core"
)

// Trigger rule identifiers are drawn from disjoint ranges per family, away
// from the rule engine's own numbering.
const (
	TargetExclusionIDMin = 100000
	TargetExclusionIDMax = 199999
	EngineDisableIDMin   = 900000
	EngineDisableIDMax   = 999999
)

// IDSource draws a trigger rule identifier in [min, max]
type IDSource interface {
	Between(min, max int) int
}

type randomIDs struct{}

func (randomIDs) Between(min, max int) int {
	return min + rand.IntN(max-min+1)
}

// Synthesizer turns validated fields into directive text. It never
// touches the network.
type Synthesizer struct {
	ids IDSource
}

// NewSynthesizer creates a synthesizer. A nil source uses math/rand.
func NewSynthesizer(ids IDSource) *Synthesizer {
	if ids == nil {
		ids = randomIDs{}
	}
	return &Synthesizer{ids: ids}
}

// Synthesize builds the directive for one family
func (s *Synthesizer) Synthesize(family core.Family, f Fields) (core.Directive, error) {
	switch family {
	case core.FamilyTargetExclusion:
		return s.targetExclusion(f), nil
	case core.FamilyTargetUpdate:
		return targetUpdate(f), nil
	case core.FamilyEngineDisable:
		return s.engineDisable(f), nil
	case core.FamilyGlobalRemoval:
		return globalRemoval(f), nil
	default:
		return core.Directive{}, fmt.Errorf("unknown directive family %d", int(family))
	}
}

// targetExclusion removes the target from the selected rules when the
// trigger matches. Without a target it removes the selected rules
// entirely for the matching request.
func (s *Synthesizer) targetExclusion(f Fields) core.Directive {
	id := s.ids.Between(TargetExclusionIDMin, TargetExclusionIDMax)

	ctls := make([]string, 0, len(f.Selector.Tokens))
	for _, tok := range f.Selector.Tokens {
		switch {
		case f.Target != "" && f.Selector.Kind == core.SelectorByID:
			ctls = append(ctls, fmt.Sprintf("ctl:ruleRemoveTargetById=%s;%s", tok, f.Target))
		case f.Target != "":
			ctls = append(ctls, fmt.Sprintf("ctl:ruleRemoveTargetByTag=%s;%s", tok, f.Target))
		case f.Selector.Kind == core.SelectorByID:
			ctls = append(ctls, "ctl:ruleRemoveById="+tok)
		default:
			ctls = append(ctls, "ctl:ruleRemoveByTag="+tok)
		}
	}

	method := "PP1 (Target Specific)"
	if f.Target == "" {
		method = "PP2 (Conditional Global)"
	}
	return core.Directive{
		Family: core.FamilyTargetExclusion,
		Text:   triggerRule(f, id, ctls),
		RuleID: id,
		Phase:  f.Phase,
		Method: method,
	}
}

func (s *Synthesizer) engineDisable(f Fields) core.Directive {
	id := s.ids.Between(EngineDisableIDMin, EngineDisableIDMax)
	return core.Directive{
		Family: core.FamilyEngineDisable,
		Text:   triggerRule(f, id, []string{"ctl:ruleEngine=Off"}),
		RuleID: id,
		Phase:  f.Phase,
		Method: "PP3 (Conditional Rule Engine Off)",
	}
}

func targetUpdate(f Fields) core.Directive {
	d := core.Directive{Family: core.FamilyTargetUpdate}
	if f.Selector.Kind == core.SelectorByID {
		d.Text = fmt.Sprintf("SecRuleUpdateTargetById %s !%s", f.Selector.Joined(), f.Target)
		d.Method = "PP2 (ID Range Target Update)"
	} else {
		d.Text = fmt.Sprintf("SecRuleUpdateTargetByTag %s !%s", f.Selector.Joined(), f.Target)
		d.Method = "PP2 (Tag Target Update)"
	}
	return d
}

func globalRemoval(f Fields) core.Directive {
	prefix, method := "SecRuleRemoveById ", "PP4 (Global ID Removal)"
	if f.Selector.Kind == core.SelectorByTag {
		prefix, method = "SecRuleRemoveByTag ", "PP5 (Global Tag Removal)"
	}
	lines := make([]string, len(f.Selector.Tokens))
	for i, tok := range f.Selector.Tokens {
		lines[i] = prefix + tok
	}
	return core.Directive{
		Family: core.FamilyGlobalRemoval,
		Text:   strings.Join(lines, "\n"),
		Method: method,
	}
}

// triggerRule renders the two-line SecRule shared by the conditional families
func triggerRule(f Fields, id int, ctls []string) string {
	actions := append([]string{
		fmt.Sprintf("id:%d", id),
		fmt.Sprintf("phase:%d", f.Phase),
		"pass",
		"nolog",
	}, ctls...)
	return fmt.Sprintf("SecRule %s \"%s %s\" \\\n\"%s\"", f.Variable, f.Operator, f.Match, strings.Join(actions, ","))
}
