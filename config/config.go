// Package config implements §4.I's config-value schema: a static
// descriptor table describing every configurable option (name, type,
// target, units, ranges, enum/select/set tables) plus the parse and
// format contract defined over it. No reflection-heavy third-party
// config library appears anywhere in the retrieval pack, so this is
// built in the teacher's own plain-struct-plus-closures idiom instead
// (see DESIGN.md) — grounded on original_source/bar/bar/common/configvalues.c's
// descriptor-table shape, translated into Go idiom rather than ported
// line for line.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/baresque/bar"
)

// ValueType is the type tag of one descriptor-table entry.
type ValueType int

const (
	TypeInteger ValueType = iota + 1
	TypeInteger64
	TypeDouble
	TypeBool
	TypeEnum
	TypeSelect
	TypeSet
	TypeCString
	TypeString
	TypeSpecial
	TypeComment
	TypeBeginSection
	TypeEndSection
	TypeDeprecated
)

// Unit is one entry of a numeric unit table (name -> scale factor),
// e.g. {"K", 1024}, {"M", 1024*1024}.
type Unit struct {
	Name   string
	Factor int64
}

// EnumValue is one name/value pair of an enum descriptor.
type EnumValue struct {
	Name  string
	Value int
}

// SelectValue is one name/value pair of a select (mutually exclusive
// named alternative) descriptor.
type SelectValue struct {
	Name  string
	Value int
}

// SetValue is one name/bit pair of a set-of-flags descriptor; Parse
// ORs every matched bit into the target.
type SetValue struct {
	Name string
	Bit  uint64
}

// SpecialHandlers implements CONFIG_VALUE_TYPE_SPECIAL: a descriptor
// whose parsing and formatting is fully delegated to the caller.
// Format may return more than one line (the original's
// formatInit/formatNext/formatDone iterator, collapsed into a single
// call returning every line at once).
type SpecialHandlers struct {
	Parse  func(value string) (interface{}, error)
	Format func(value interface{}) []string
}

// Target resolves a descriptor's storage location. It returns the
// destination pointer (a *int, *int64, *float64, *bool, *string, or
// *uint64 for Set) and ok=false when the option's owning subsystem
// hasn't been initialized yet — the Go equivalent of the original's
// "base pointer is null" case, at which point a matched value is
// silently discarded rather than stored (§4.I step 6). A closure is
// used instead of an unsafe offset, since Go has no portable pointer
// arithmetic over struct field offsets the way C does.
type Target func() (ptr interface{}, ok bool)

// Descriptor is one entry in a config-value table.
type Descriptor struct {
	Name    string
	Section string // "" matches only the default (unnamed) section
	Type    ValueType
	Target  Target

	// Numeric.
	Units    []Unit
	Min, Max int64     // TypeInteger / TypeInteger64
	MinF, MaxF float64 // TypeDouble

	EnumValues   []EnumValue
	SelectValues []SelectValue
	SetValues    []SetValue

	Special SpecialHandlers

	// ReplacedBy names the option that superseded this one; only
	// meaningful when Type == TypeDeprecated.
	ReplacedBy string

	Comment string
}

// Table is an ordered config-value descriptor table. Order matters:
// TypeBeginSection/TypeEndSection pairs bound the descriptors that
// belong to a named section, mirroring the original's flat array with
// inline section markers.
type Table []Descriptor

// find locates the descriptor named name visible from section
// (section == "" means the default/top-level section). Descriptors
// nested inside a different section than the one requested are
// skipped, per §4.I step 1.
func (t Table) find(section, name string) (*Descriptor, bool) {
	var stack []string
	for i := range t {
		d := &t[i]
		switch d.Type {
		case TypeBeginSection:
			stack = append(stack, d.Name)
			continue
		case TypeEndSection:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		case TypeComment:
			continue
		}
		cur := ""
		if len(stack) > 0 {
			cur = stack[len(stack)-1]
		}
		if d.Section != "" {
			cur = d.Section
		}
		if cur == section && d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Parser applies a Table against name=value input, tracking
// deprecated-option warnings so each is only emitted once per run
// (§4.I step 7).
type Parser struct {
	Table Table
	// Warn receives one line of warning text, e.g. on use of a
	// deprecated option. Defaults to a no-op if nil.
	Warn func(msg string)

	warned map[string]bool
}

func (p *Parser) warn(msg string) {
	if p.Warn != nil {
		p.Warn(msg)
	}
}

// Parse applies one name=value pair within section (empty string for
// the default section), following the contract of §4.I steps 1-7.
func (p *Parser) Parse(section, name, value string) error {
	d, ok := p.Table.find(section, name)
	if !ok {
		return bar.Errorf(bar.CorruptData, "unknown config option %q in section %q", name, section)
	}
	if d.Type == TypeDeprecated {
		if p.warned == nil {
			p.warned = map[string]bool{}
		}
		key := section + "\x00" + name
		if !p.warned[key] {
			p.warned[key] = true
			if d.ReplacedBy != "" {
				p.warn(fmt.Sprintf("option %q is deprecated, use %q instead", name, d.ReplacedBy))
			} else {
				p.warn(fmt.Sprintf("option %q is deprecated", name))
			}
		}
		if d.ReplacedBy == "" {
			return nil
		}
		return p.Parse(section, d.ReplacedBy, value)
	}

	switch d.Type {
	case TypeInteger:
		n, err := parseScaledInt(value, d.Units)
		if err != nil {
			return err
		}
		if n < d.Min || n > d.Max {
			return bar.Errorf(bar.CorruptData, "value %q out of range %d..%d for %q", value, d.Min, d.Max, name)
		}
		store(d.Target, func(p *int) { *p = int(n) })
	case TypeInteger64:
		n, err := parseScaledInt(value, d.Units)
		if err != nil {
			return err
		}
		if n < d.Min || n > d.Max {
			return bar.Errorf(bar.CorruptData, "value %q out of range %d..%d for %q", value, d.Min, d.Max, name)
		}
		store(d.Target, func(p *int64) { *p = n })
	case TypeDouble:
		f, err := parseScaledFloat(value, d.Units)
		if err != nil {
			return err
		}
		if f < d.MinF || f > d.MaxF {
			return bar.Errorf(bar.CorruptData, "value %q out of range %g..%g for %q", value, d.MinF, d.MaxF, name)
		}
		store(d.Target, func(p *float64) { *p = f })
	case TypeBool:
		b, err := parseBool(value, name)
		if err != nil {
			return err
		}
		store(d.Target, func(p *bool) { *p = b })
	case TypeEnum:
		for _, e := range d.EnumValues {
			if e.Name == value {
				store(d.Target, func(p *int) { *p = e.Value })
				return nil
			}
		}
		return bar.Errorf(bar.CorruptData, "unknown enum value %q for %q", value, name)
	case TypeSelect:
		for _, s := range d.SelectValues {
			if s.Name == value {
				store(d.Target, func(p *int) { *p = s.Value })
				return nil
			}
		}
		return bar.Errorf(bar.CorruptData, "unknown select value %q for %q", value, name)
	case TypeSet:
		var bits uint64
		for _, tok := range splitSet(value) {
			matched := false
			for _, s := range d.SetValues {
				if s.Name == tok {
					bits |= s.Bit
					matched = true
					break
				}
			}
			if !matched {
				return bar.Errorf(bar.CorruptData, "unknown set flag %q for %q", tok, name)
			}
		}
		store(d.Target, func(p *uint64) { *p |= bits })
	case TypeCString, TypeString:
		store(d.Target, func(p *string) { *p = value })
	case TypeSpecial:
		if d.Special.Parse == nil {
			return bar.Errorf(bar.Internal, "special option %q has no parser", name)
		}
		v, err := d.Special.Parse(value)
		if err != nil {
			return bar.Wrap(bar.CorruptData, fmt.Sprintf("parsing %q", name), err)
		}
		store(d.Target, func(p *interface{}) { *p = v })
	default:
		return bar.Errorf(bar.Internal, "option %q has unsupported type", name)
	}
	return nil
}

// store writes val into the pointer t resolves, discarding it
// silently when t resolves to ok=false — step 6's "base pointer is
// null" case, meaning the owning subsystem isn't initialized yet.
func store[T any](t Target, assign func(*T)) {
	if t == nil {
		return
	}
	ptr, ok := t()
	if !ok || ptr == nil {
		return
	}
	p, ok := ptr.(*T)
	if !ok {
		return
	}
	assign(p)
}

func splitSet(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	return fields
}

func parseBool(value, name string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "true", "1", "on":
		return true, nil
	case "no", "false", "0", "off":
		return false, nil
	default:
		return false, bar.Errorf(bar.CorruptData, "invalid boolean %q for %q", value, name)
	}
}

// parseScaledInt splits a trailing unit suffix (longest match) off
// value and multiplies by its factor (§4.I step 2).
func parseScaledInt(value string, units []Unit) (int64, error) {
	numeric, factor, err := splitUnit(value, units)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil {
		return 0, bar.Wrap(bar.CorruptData, "parsing integer value "+strconv.Quote(value), err)
	}
	return n * factor, nil
}

func parseScaledFloat(value string, units []Unit) (float64, error) {
	numeric, factor, err := splitUnit(value, units)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return 0, bar.Wrap(bar.CorruptData, "parsing double value "+strconv.Quote(value), err)
	}
	return f * float64(factor), nil
}

func splitUnit(value string, units []Unit) (numeric string, factor int64, err error) {
	trimmed := strings.TrimSpace(value)
	if len(units) == 0 {
		return trimmed, 1, nil
	}
	for _, u := range units {
		if strings.HasSuffix(trimmed, u.Name) {
			return strings.TrimSpace(strings.TrimSuffix(trimmed, u.Name)), u.Factor, nil
		}
	}
	// No recognized suffix: treat the whole token as unscaled, unless
	// it ends in an alphabetic run that isn't a known unit, in which
	// case report it so callers see which units are valid.
	i := len(trimmed)
	for i > 0 && isAlpha(rune(trimmed[i-1])) {
		i--
	}
	if i < len(trimmed) {
		names := make([]string, len(units))
		for i, u := range units {
			names[i] = u.Name
		}
		return "", 0, bar.Errorf(bar.CorruptData, "unknown unit %q, valid units: %s", trimmed[i:], strings.Join(names, ", "))
	}
	return trimmed, 1, nil
}

func isAlpha(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// Format renders the current value of name within section back to
// text, inverting Parse (§4.I's formatting rules).
func (p *Parser) Format(section, name string) (string, error) {
	d, ok := p.Table.find(section, name)
	if !ok {
		return "", bar.Errorf(bar.CorruptData, "unknown config option %q in section %q", name, section)
	}
	switch d.Type {
	case TypeInteger:
		n := loadInt(d.Target)
		return formatScaledInt(int64(n), d.Units), nil
	case TypeInteger64:
		n := loadInt64(d.Target)
		return formatScaledInt(n, d.Units), nil
	case TypeDouble:
		f := loadFloat(d.Target)
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case TypeBool:
		if loadBool(d.Target) {
			return "yes", nil
		}
		return "no", nil
	case TypeEnum:
		n := loadInt(d.Target)
		for _, e := range d.EnumValues {
			if e.Value == n {
				return e.Name, nil
			}
		}
		return "", bar.Errorf(bar.Internal, "enum %q holds unlisted value %d", name, n)
	case TypeSelect:
		n := loadInt(d.Target)
		for _, s := range d.SelectValues {
			if s.Value == n {
				return s.Name, nil
			}
		}
		return "", bar.Errorf(bar.Internal, "select %q holds unlisted value %d", name, n)
	case TypeSet:
		bits := loadUint64(d.Target)
		var names []string
		for _, s := range d.SetValues {
			if bits&s.Bit != 0 {
				names = append(names, s.Name)
			}
		}
		return strings.Join(names, ","), nil
	case TypeCString, TypeString:
		return loadString(d.Target), nil
	case TypeSpecial:
		if d.Special.Format == nil {
			return "", bar.Errorf(bar.Internal, "special option %q has no formatter", name)
		}
		var v interface{}
		load(d.Target, &v)
		return strings.Join(d.Special.Format(v), "\n"), nil
	default:
		return "", bar.Errorf(bar.Internal, "option %q has unsupported type", name)
	}
}

// formatScaledInt picks the largest unit that divides value evenly
// (the "exact-divisor test" of §4.I's formatting rules), falling back
// to the raw value when none divides it.
func formatScaledInt(value int64, units []Unit) string {
	var best *Unit
	for i := range units {
		u := &units[i]
		if u.Factor != 0 && value%u.Factor == 0 {
			if best == nil || u.Factor > best.Factor {
				best = u
			}
		}
	}
	if best == nil {
		return strconv.FormatInt(value, 10)
	}
	return strconv.FormatInt(value/best.Factor, 10) + best.Name
}

func load[T any](t Target, dst *T) {
	if t == nil {
		return
	}
	ptr, ok := t()
	if !ok || ptr == nil {
		return
	}
	if p, ok := ptr.(*T); ok {
		*dst = *p
	}
}

func loadInt(t Target) int          { var v int; load(t, &v); return v }
func loadInt64(t Target) int64      { var v int64; load(t, &v); return v }
func loadFloat(t Target) float64    { var v float64; load(t, &v); return v }
func loadBool(t Target) bool        { var v bool; load(t, &v); return v }
func loadString(t Target) string    { var v string; load(t, &v); return v }
func loadUint64(t Target) uint64    { var v uint64; load(t, &v); return v }
