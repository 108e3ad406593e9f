package compiler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"

	"warden/core"
)

// operatorAliases maps accepted operator spellings to the raw WAF operator.
// Friendly names and raw operators are both accepted.
var operatorAliases = map[string]string{
	"equals":      "@streq",
	"@streq":      "@streq",
	"regex":       "@rx",
	"@rx":         "@rx",
	"contains":    "@contains",
	"@contains":   "@contains",
	"startswith":  "@beginsWith",
	"@beginswith": "@beginsWith",
	"endswith":    "@endsWith",
	"@endswith":   "@endsWith",
}

var (
	idToken      = regexp.MustCompile(`^\d+$`)
	idRangeToken = regexp.MustCompile(`^\d+-\d+$`)
	tagToken     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

	targetExclusionVariables = regexp.MustCompile(`^(REQUEST_URI|ARGS|ARGS_GET|ARGS_NAMES|XML|TX|REQUEST_HEADERS)(:\S+)?$`)
	targetExclusionTargets   = regexp.MustCompile(`^(ARGS|ARGS_GET|ARGS_NAMES|XML|TX|REQUEST_HEADERS)(:\S+)?$`)
	targetUpdateTargets      = regexp.MustCompile(`^(ARGS|ARGS_GET|ARGS_NAMES|XML|TX|REQUEST_HEADERS|REQUEST_BODY)(:\S+)?$`)
	engineDisableVariables   = regexp.MustCompile(`^(REQUEST_URI|REQUEST_HEADERS|REQUEST_FILENAME|REQUEST_LINE|ARGS|ARGS_GET|ARGS_NAMES|XML|TX)(:\S+)?$`)
)

// familySpec describes the flags and grammar of one directive family
type familySpec struct {
	vocabulary []string
	required   []string
	variables  *regexp.Regexp
	targets    *regexp.Regexp
}

var familySpecs = map[core.Family]familySpec{
	core.FamilyTargetExclusion: {
		vocabulary: []string{FlagVariable, FlagOperator, FlagMatch, FlagSelector, FlagPhase, FlagTarget},
		required:   []string{FlagVariable, FlagOperator, FlagMatch, FlagSelector, FlagPhase},
		variables:  targetExclusionVariables,
		targets:    targetExclusionTargets,
	},
	core.FamilyTargetUpdate: {
		vocabulary: []string{FlagTarget, FlagID, FlagTag},
		required:   []string{FlagTarget},
		targets:    targetUpdateTargets,
	},
	core.FamilyEngineDisable: {
		vocabulary: []string{FlagVariable, FlagOperator, FlagMatch, FlagSelector, FlagPhase},
		required:   []string{FlagVariable, FlagOperator, FlagMatch, FlagSelector, FlagPhase},
		variables:  engineDisableVariables,
	},
	core.FamilyGlobalRemoval: {
		vocabulary: []string{FlagSelector},
		required:   []string{FlagSelector},
	},
}

// Vocabulary returns the flag names recognized for a family
func Vocabulary(family core.Family) []string {
	return familySpecs[family].vocabulary
}

// Fields is a validated, typed command ready for synthesis
type Fields struct {
	Variable string
	// Operator is always the raw WAF spelling (e.g. "@contains")
	Operator string
	// Match is the sanitized match value; RawMatch is what the operator typed
	Match    string
	RawMatch string
	Target   string
	Phase    int
	Selector core.Selector
}

// Validate checks tokenized flags for a family. Checks run in a fixed
// order: presence, enumerated values, variable/target grammar, selector
// classification, mutual exclusion, then the match pattern. The first
// failure is returned as a *core.CommandError.
func Validate(family core.Family, flags Flags) (Fields, error) {
	spec, ok := familySpecs[family]
	if !ok {
		return Fields{}, fmt.Errorf("unknown directive family %d", int(family))
	}

	var missing []string
	for _, name := range spec.required {
		if !flags.Present(name) {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		return Fields{}, &core.CommandError{Kind: core.ErrMissingFields, Fields: missing}
	}

	switch family {
	case core.FamilyTargetExclusion:
		return validateTriggerRule(family, spec, flags)
	case core.FamilyEngineDisable:
		return validateTriggerRule(family, spec, flags)
	case core.FamilyTargetUpdate:
		return validateTargetUpdate(spec, flags)
	default:
		sel, err := classifySelector(FlagSelector, flags.Get(FlagSelector), false)
		if err != nil {
			return Fields{}, err
		}
		return Fields{Selector: sel}, nil
	}
}

// validateTriggerRule covers the families that synthesize a SecRule
// trigger: target exclusion and engine disable.
func validateTriggerRule(family core.Family, spec familySpec, flags Flags) (Fields, error) {
	op, err := normalizeOperator(flags.First(FlagOperator))
	if err != nil {
		return Fields{}, err
	}
	phase, err := parsePhase(flags.First(FlagPhase))
	if err != nil {
		return Fields{}, err
	}

	f := Fields{
		Variable: flags.First(FlagVariable),
		Operator: op,
		RawMatch: flags.Get(FlagMatch),
		Phase:    phase,
	}

	if !spec.variables.MatchString(f.Variable) {
		return Fields{}, core.NewCommandError(core.ErrInvalidVariable, "--"+FlagVariable, f.Variable,
			fmt.Sprintf("invalid variable `%s`", f.Variable))
	}
	if family == core.FamilyTargetExclusion {
		f.Target = flags.First(FlagTarget)
		if f.Target != "" && !spec.targets.MatchString(f.Target) {
			return Fields{}, core.NewCommandError(core.ErrInvalidTarget, "--"+FlagTarget, f.Target,
				fmt.Sprintf("invalid target `%s`", f.Target))
		}
	}

	selector := flags.Get(FlagSelector)
	if family == core.FamilyEngineDisable {
		if !strings.EqualFold(selector, "all") {
			return Fields{}, core.NewCommandError(core.ErrInvalidSelector, "--"+FlagSelector, selector,
				"--rort only accepts `all` for engine disable")
		}
	} else {
		f.Selector, err = classifySelector(FlagSelector, selector, false)
		if err != nil {
			return Fields{}, err
		}
	}

	f.Match = SanitizeMatch(f.RawMatch)
	if err := checkPattern(f.Operator, f.Match); err != nil {
		return Fields{}, err
	}
	return f, nil
}

func validateTargetUpdate(spec familySpec, flags Flags) (Fields, error) {
	f := Fields{Target: flags.First(FlagTarget)}
	if !spec.targets.MatchString(f.Target) {
		return Fields{}, core.NewCommandError(core.ErrInvalidTarget, "--"+FlagTarget, f.Target,
			fmt.Sprintf("invalid target `%s`", f.Target))
	}

	hasID, hasTag := flags.Present(FlagID), flags.Present(FlagTag)
	var idSel, tagSel core.Selector
	var err error
	if hasID {
		if idSel, err = classifyAs(FlagID, flags.Get(FlagID), core.SelectorByID, true); err != nil {
			return Fields{}, err
		}
	}
	if hasTag {
		if tagSel, err = classifyAs(FlagTag, flags.Get(FlagTag), core.SelectorByTag, false); err != nil {
			return Fields{}, err
		}
	}

	if hasID == hasTag {
		return Fields{}, &core.CommandError{
			Kind:    core.ErrConflictingFields,
			Fields:  []string{"--" + FlagID, "--" + FlagTag},
			Message: "exactly one of --id or --tag must be given",
		}
	}
	if hasID {
		f.Selector = idSel
	} else {
		f.Selector = tagSel
	}
	return f, nil
}

func normalizeOperator(op string) (string, error) {
	raw, ok := operatorAliases[strings.ToLower(op)]
	if !ok {
		return "", core.NewCommandError(core.ErrInvalidEnum, "--"+FlagOperator, op,
			fmt.Sprintf("invalid operator `%s`", op))
	}
	return raw, nil
}

func parsePhase(p string) (int, error) {
	if p != "1" && p != "2" {
		return 0, core.NewCommandError(core.ErrInvalidEnum, "--"+FlagPhase, p,
			fmt.Sprintf("invalid phase `%s`, only 1 or 2 allowed", p))
	}
	n, _ := strconv.Atoi(p)
	return n, nil
}

// classifySelector splits a comma list and requires every token to be
// of the same class, either rule IDs or tags.
func classifySelector(flag, raw string, allowRanges bool) (core.Selector, error) {
	var tokens []string
	for _, tok := range strings.Split(raw, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		return core.Selector{}, core.NewCommandError(core.ErrEmptySelector, "--"+flag, raw,
			fmt.Sprintf("--%s has no rule IDs or tags", flag))
	}

	var ids, tags int
	for _, tok := range tokens {
		switch {
		case idToken.MatchString(tok), allowRanges && idRangeToken.MatchString(tok):
			ids++
		case tagToken.MatchString(tok):
			tags++
		default:
			return core.Selector{}, core.NewCommandError(core.ErrInvalidSelector, "--"+flag, tok,
				fmt.Sprintf("`%s` in --%s is neither a rule ID nor a tag", tok, flag))
		}
	}
	if ids > 0 && tags > 0 {
		return core.Selector{}, core.NewCommandError(core.ErrMixedSelectorTypes, "--"+flag, raw,
			fmt.Sprintf("--%s mixes rule IDs and tags", flag))
	}

	kind := core.SelectorByID
	if tags > 0 {
		kind = core.SelectorByTag
	}
	return core.Selector{Kind: kind, Tokens: tokens}, nil
}

// classifyAs classifies a selector that must be of a single expected kind
func classifyAs(flag, raw string, want core.SelectorKind, allowRanges bool) (core.Selector, error) {
	sel, err := classifySelector(flag, raw, allowRanges)
	if err != nil {
		return sel, err
	}
	if sel.Kind != want {
		return core.Selector{}, core.NewCommandError(core.ErrInvalidSelector, "--"+flag, raw,
			fmt.Sprintf("--%s only accepts rule %ss", flag, want))
	}
	return sel, nil
}

// checkPattern rejects @rx values the WAF's PCRE engine would refuse to load
func checkPattern(operator, match string) error {
	if operator != "@rx" {
		return nil
	}
	if _, err := regexp2.Compile(match, regexp2.None); err != nil {
		return core.NewCommandError(core.ErrInvalidPattern, "--"+FlagMatch, match,
			fmt.Sprintf("invalid regex `%s`: %v", match, err))
	}
	return nil
}
