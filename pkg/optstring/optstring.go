// Package optstring turns parsed options back into the "--name=value" tail of a
// command line, so a run can be replayed unattended (for example from cron).
package optstring

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Mode describes whether an option carries a value.
type Mode int

const (
	// None is a switch: rendered bare, and only when set to true.
	None Mode = iota
	// Optional values are omitted entirely when empty.
	Optional
	// Required values are always rendered as --name=value.
	Required
)

// String returns the mode's name.
func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Optional:
		return "optional"
	case Required:
		return "required"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Option is one entry in a Schema.
type Option struct {
	Name string
	Mode Mode
}

// Schema lists the options a command accepts.
type Schema []Option

func (s Schema) index() map[string]Mode {
	idx := make(map[string]Mode, len(s))
	for _, o := range s {
		idx[o.Name] = o.Mode
	}
	return idx
}

// Value is a named option value. Order in a Values slice is rendering order.
type Value struct {
	Name  string
	Value any
}

// Values is an ordered set of option values.
type Values []Value

// Without returns a copy of v minus the named options.
func (v Values) Without(names ...string) Values {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	out := make(Values, 0, len(v))
	for _, val := range v {
		if _, ok := drop[val.Name]; !ok {
			out = append(out, val)
		}
	}
	return out
}

// Set replaces the value of name or appends it.
func (v Values) Set(name string, value any) Values {
	for i := range v {
		if v[i].Name == name {
			v[i].Value = value
			return v
		}
	}
	return append(v, Value{Name: name, Value: value})
}

// Sorted returns v ordered by the position of each name in schema. Names the
// schema does not know keep their relative order at the end.
func (v Values) Sorted(schema Schema) Values {
	pos := make(map[string]int, len(schema))
	for i, o := range schema {
		pos[o.Name] = i
	}
	rank := func(name string) int {
		if i, ok := pos[name]; ok {
			return i
		}
		return len(schema)
	}
	out := append(Values(nil), v...)
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i].Name) < rank(out[j].Name) })
	return out
}

// Render builds the option string. Values whose name is not in schema are
// skipped. The result has one leading space, or is empty when nothing renders.
func Render(values Values, schema Schema) string {
	modes := schema.index()
	var b strings.Builder
	for _, v := range values {
		mode, ok := modes[v.Name]
		if !ok {
			continue
		}
		token, ok := renderOne(v, mode)
		if !ok {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(token)
	}
	return b.String()
}

func renderOne(v Value, mode Mode) (string, bool) {
	switch mode {
	case None:
		if !isTrue(v.Value) {
			return "", false
		}
		return "--" + v.Name, true
	case Optional:
		s := stringify(v.Value)
		if s == "" {
			return "", false
		}
		return "--" + v.Name + "=" + s, true
	default:
		return "--" + v.Name + "=" + stringify(v.Value), true
	}
}

func isTrue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		return err == nil && b
	default:
		return false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// FromFlagSet derives the schema from every defined flag (bool flags are None
// unless they default to true, flags with a NoOptDefVal are Optional, the rest
// Required) and collects the
// flags that were set on the command line. Both follow definition order when
// fs.SortFlags is false, regardless of the order flags were typed in.
func FromFlagSet(fs *pflag.FlagSet) (Values, Schema) {
	var schema Schema
	var values Values
	fs.VisitAll(func(f *pflag.Flag) {
		mode := modeOf(f)
		schema = append(schema, Option{Name: f.Name, Mode: mode})
		if !f.Changed {
			return
		}
		if mode == None {
			values = append(values, Value{Name: f.Name, Value: f.Value.String() == "true"})
			return
		}
		values = append(values, Value{Name: f.Name, Value: f.Value.String()})
	})
	return values, schema
}

func modeOf(f *pflag.Flag) Mode {
	if f.Value.Type() == "bool" {
		// A bare switch cannot turn off a flag that defaults to on.
		if f.DefValue == "true" {
			return Required
		}
		return None
	}
	if f.NoOptDefVal != "" {
		return Optional
	}
	return Required
}
