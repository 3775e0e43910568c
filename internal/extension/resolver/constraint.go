// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package resolver

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/samber/oops"
)

// constraintLexer tokenizes constraint strings. The two-character
// operators must come before the single-character ones so ">=" is not
// split into ">" and "=".
var constraintLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Op", Pattern: `>=|<=|>|<|\^|~`},
	{Name: "Star", Pattern: `\*`},
	{Name: "Number", Pattern: `\d+`},
	{Name: "Dot", Pattern: `\.`},
	{Name: "whitespace", Pattern: `\s+`},
})

// constraintExpr is the parsed form of a constraint string.
//
// Grammar: "*" | [ op ] major "." minor "." patch
type constraintExpr struct {
	Any    bool        `parser:"  @Star"`
	Ranged *rangedExpr `parser:"| @@"`
}

type rangedExpr struct {
	Op    string `parser:"@Op?"`
	Major uint64 `parser:"@Number"`
	Minor uint64 `parser:"Dot @Number"`
	Patch uint64 `parser:"Dot @Number"`
}

var constraintParser = participle.MustBuild[constraintExpr](
	participle.Lexer(constraintLexer),
)

// Constraint is a parsed version constraint: an operator plus a triple,
// or the any-version wildcard.
type Constraint struct {
	raw string
	any bool
	op  string
	ver *semver.Version
}

// ParseConstraint parses a constraint string. Supported forms: "*",
// exact "X.Y.Z", "^X.Y.Z", "~X.Y.Z", ">=X.Y.Z", ">X.Y.Z", "<=X.Y.Z",
// "<X.Y.Z".
func ParseConstraint(s string) (*Constraint, error) {
	expr, err := constraintParser.ParseString("", s)
	if err != nil {
		return nil, oops.In("resolver").Code("CONSTRAINT_INVALID").With("constraint", s).Wrap(err)
	}

	if expr.Any {
		return &Constraint{raw: s, any: true}, nil
	}

	r := expr.Ranged
	return &Constraint{
		raw: s,
		op:  r.Op,
		ver: semver.New(r.Major, r.Minor, r.Patch, "", ""),
	}, nil
}

// String returns the constraint as declared.
func (c *Constraint) String() string { return c.raw }

// Check reports whether v satisfies the constraint.
//
// Caret and tilde widen by exactly one component regardless of the
// major: "^0.2.3" admits everything up to (but excluding) 1.0.0. This
// intentionally differs from npm-style zero-major narrowing.
func (c *Constraint) Check(v *semver.Version) bool {
	if c.any {
		return true
	}
	cmp := v.Compare(c.ver)
	switch c.op {
	case "":
		return cmp == 0
	case "^":
		return cmp >= 0 && v.Major() == c.ver.Major()
	case "~":
		return cmp >= 0 && v.Major() == c.ver.Major() && v.Minor() == c.ver.Minor()
	case ">=":
		return cmp >= 0
	case ">":
		return cmp > 0
	case "<=":
		return cmp <= 0
	case "<":
		return cmp < 0
	default:
		// Unreachable: the grammar admits no other operator.
		panic(fmt.Sprintf("resolver: unknown constraint operator %q", c.op))
	}
}

// Satisfies reports whether the version string satisfies the constraint
// string. Returns an error when either fails to parse.
func Satisfies(version, constraint string) (bool, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return false, err
	}
	c, err := ParseConstraint(constraint)
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}
