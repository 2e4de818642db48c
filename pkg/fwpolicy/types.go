// Package fwpolicy defines the declarative firewall policy model: the rule
// schema as authored by operators, loading from local and Cloud Storage
// sources, and normalization against the networks of the enforced project.
package fwpolicy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cloudfw/enforcer/pkg/errdefs"
)

// SourceKind discriminates the two legal source selectors of a rule.
// The schema requires exactly one of sourceRanges or sourceTags.
type SourceKind int

const (
	// SourceUnknown means the rule has not passed schema validation.
	SourceUnknown SourceKind = iota

	// SourceRanges selects traffic by CIDR source ranges.
	SourceRanges

	// SourceTags selects traffic by instance source tags.
	SourceTags
)

// Allowed is one protocol entry of a rule, optionally restricted to ports.
type Allowed struct {
	IPProtocol string   `json:"IPProtocol" validate:"required"`
	Ports      []string `json:"ports,omitempty"`
}

// Rule is a single firewall rule, in the shape shared by authored policy and
// live project state. After normalization, Name and Network together form
// the enforced key.
type Rule struct {
	Name         string    `json:"name" validate:"required"`
	Network      string    `json:"network,omitempty"`
	Description  string    `json:"description,omitempty"`
	SourceRanges []string  `json:"sourceRanges,omitempty" validate:"omitempty,min=1,dive,cidr"`
	SourceTags   []string  `json:"sourceTags,omitempty" validate:"omitempty,min=1,dive,required"`
	Allowed      []Allowed `json:"allowed" validate:"required,min=1,dive"`
}

// Key identifies a rule within a project.
type Key struct {
	Name    string
	Network string
}

// String renders the key as network/name.
func (k Key) String() string {
	return k.Network + "/" + k.Name
}

// Key returns the enforced key of the rule.
func (r *Rule) Key() Key {
	return Key{Name: r.Name, Network: r.Network}
}

// SourceKind reports which selector variant the rule uses.
func (r *Rule) SourceKind() SourceKind {
	switch {
	case len(r.SourceRanges) > 0 && len(r.SourceTags) == 0:
		return SourceRanges
	case len(r.SourceTags) > 0 && len(r.SourceRanges) == 0:
		return SourceTags
	default:
		return SourceUnknown
	}
}

var validate = validator.New()

// Validate checks the rule against the policy schema. The selector variant
// must be exactly one of sourceRanges or sourceTags, and at least one
// allowed entry is required.
func (r *Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return errdefs.NewSchemaError("rule failed schema validation", err).WithRule(r.Name)
	}
	if r.SourceKind() == SourceUnknown {
		return errdefs.NewSchemaError(
			"rule must set exactly one of sourceRanges or sourceTags", nil).WithRule(r.Name)
	}
	return nil
}

// Equivalent reports structural equality with another rule, ignoring
// ordering inside allowed, sourceRanges, and sourceTags. Protocol names
// compare case-insensitively.
func (r *Rule) Equivalent(other *Rule) bool {
	if r.Name != other.Name || r.Network != other.Network {
		return false
	}
	if r.Description != other.Description {
		return false
	}
	if !stringSetEqual(r.SourceRanges, other.SourceRanges) {
		return false
	}
	if !stringSetEqual(r.SourceTags, other.SourceTags) {
		return false
	}
	return allowedSetEqual(r.Allowed, other.Allowed)
}

// Policy is the ordered rule list loaded from one JSON document.
type Policy struct {
	// Rules preserves the authored order.
	Rules []Rule

	// Source is the locator the policy was loaded from.
	Source string
}

// Validate checks every rule in the policy.
func (p *Policy) Validate() error {
	for i := range p.Rules {
		if err := p.Rules[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func stringSetEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func allowedSetEqual(a, b []Allowed) bool {
	if len(a) != len(b) {
		return false
	}
	canon := func(entries []Allowed) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			ports := append([]string(nil), e.Ports...)
			sort.Strings(ports)
			out = append(out, fmt.Sprintf("%s:%s", strings.ToLower(e.IPProtocol), strings.Join(ports, ",")))
		}
		sort.Strings(out)
		return out
	}
	as, bs := canon(a), canon(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
