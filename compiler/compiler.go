// Package compiler turns operator exception commands into WAF directives.
//
// A command goes through three pure stages: Tokenize splits it into flag
// values, Validate checks them against the family's grammar, and the
// Synthesizer renders the directive text. Nothing here performs I/O;
// deployment is the caller's job.
package compiler

import (
	"errors"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
)

// Compiler runs the tokenize, validate, synthesize pipeline
type Compiler struct {
	synth  *Synthesizer
	logger *zap.SugaredLogger
}

// Option configures a Compiler
type Option func(*Compiler)

// WithIDSource overrides the trigger rule ID generator
func WithIDSource(ids IDSource) Option {
	return func(c *Compiler) {
		c.synth = NewSynthesizer(ids)
	}
}

// New creates a compiler
func New(logger *zap.SugaredLogger, opts ...Option) *Compiler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Compiler{
		synth:  NewSynthesizer(nil),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile parses raw command text for a family and returns the directive.
// Validation failures are *core.CommandError and no directive is produced.
func (c *Compiler) Compile(family core.Family, raw string) (core.Directive, error) {
	if !family.IsValid() {
		return core.Directive{}, errors.New("unknown directive family")
	}

	flags := Tokenize(raw, Vocabulary(family))
	fields, err := Validate(family, flags)
	if err != nil {
		if kind, ok := core.CommandErrorKind(err); ok {
			metrics.CommandValidationFailures.WithLabelValues(family.String(), string(kind)).Inc()
			c.logger.Debugw("Command rejected", "family", family.String(), "kind", kind, "error", err)
		}
		return core.Directive{}, err
	}

	directive, err := c.synth.Synthesize(family, fields)
	if err != nil {
		return core.Directive{}, err
	}
	metrics.DirectivesCompiled.WithLabelValues(family.String()).Inc()
	c.logger.Infow("Directive compiled",
		"family", family.String(),
		"method", directive.Method,
		"rule_id", directive.RuleID)
	return directive, nil
}

// Usage returns the command format line for a family
func Usage(family core.Family) string {
	switch family {
	case core.FamilyTargetExclusion:
		return "/exception-pp1 --v <variable> --o <operator> --m <match> --rort <ids|tags> --p <1|2> [--t <target>]"
	case core.FamilyTargetUpdate:
		return "/exception-pp2 --t <target> (--id <id|range,...> | --tag <tag,...>)"
	case core.FamilyEngineDisable:
		return "/exception-pp3 --v <variable> --o <operator> --m <match> --rort all --p <1|2>"
	case core.FamilyGlobalRemoval:
		return "/exception-pp4 --rort <ids|tags>"
	default:
		return ""
	}
}
