package events

import (
	"fmt"
	"sort"
	"strings"
)

// configurable is the set of built-in types that can be switched off.
var configurable = map[Type]struct{}{
	TypeToken:      {},
	TypeStep:       {},
	TypeProgress:   {},
	TypeCheckpoint: {},
	TypeHeartbeat:  {},
}

// presets map well-known names to allow-lists. "chat" is tuned for
// conversational UIs and deliberately excludes progress and checkpoint
// traffic.
var presets = map[string][]string{
	"minimal": {},
	"chat":    {"token", "step", "heartbeat"},
	"debug":   {"token", "step", "progress", "checkpoint", "heartbeat", "custom"},
	"all":     {"token", "step", "progress", "checkpoint", "heartbeat", "custom"},
}

// Filter is an allow-list policy over event types. Lifecycle events
// (started, complete, error, cancelled) always pass; configurable and
// custom events are admitted per configuration.
type Filter struct {
	builtin map[Type]struct{}
	// customNames nil admits every custom event; an empty map admits none.
	customNames map[string]struct{}
}

// AllEvents returns the default filter, which admits everything.
func AllEvents() *Filter {
	builtin := make(map[Type]struct{}, len(configurable))
	for t := range configurable {
		builtin[t] = struct{}{}
	}
	return &Filter{builtin: builtin}
}

// Preset returns the filter for a well-known preset name.
func Preset(name string) (*Filter, error) {
	allowed, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown events preset %q (valid: %s)", name, strings.Join(presetNames(), ", "))
	}
	return NewFilter(allowed)
}

// NewFilter builds a filter from an explicit allow-list. Entries may be
// configurable event names, "custom:<name>" for a single user event, or
// bare "custom" to admit every user event. Lifecycle event names are
// accepted and ignored since they always pass.
func NewFilter(allowed []string) (*Filter, error) {
	f := &Filter{
		builtin:     make(map[Type]struct{}),
		customNames: make(map[string]struct{}),
	}
	for _, raw := range allowed {
		switch {
		case strings.HasPrefix(raw, CustomPrefix):
			name := raw[len(CustomPrefix):]
			if name == "" {
				return nil, fmt.Errorf("empty custom event name in %q", raw)
			}
			if f.customNames != nil {
				f.customNames[name] = struct{}{}
			}
		case raw == "custom":
			f.customNames = nil
		default:
			t := Type(raw)
			if _, ok := configurable[t]; ok {
				f.builtin[t] = struct{}{}
				continue
			}
			if t.Mandatory() {
				continue
			}
			return nil, fmt.Errorf("unknown event type %q (valid: %s)", raw, strings.Join(validEntries(), ", "))
		}
	}
	return f, nil
}

// ResolveFilter interprets the events.allowed configuration value: nil
// admits everything, a single preset name expands the preset, anything
// else is an explicit allow-list.
func ResolveFilter(allowed []string) (*Filter, error) {
	if allowed == nil {
		return AllEvents(), nil
	}
	if len(allowed) == 1 {
		if _, ok := presets[allowed[0]]; ok {
			return Preset(allowed[0])
		}
	}
	return NewFilter(allowed)
}

// Allows reports whether an event of type t passes the filter.
func (f *Filter) Allows(t Type) bool {
	if t.Mandatory() {
		return true
	}
	if _, ok := f.builtin[t]; ok {
		return true
	}
	if t.IsCustom() {
		if f.customNames == nil {
			return true
		}
		_, ok := f.customNames[t.CustomName()]
		return ok
	}
	return false
}

// AllowsAllCustom reports whether every custom event is admitted.
func (f *Filter) AllowsAllCustom() bool { return f.customNames == nil }

// Custom-event admission modes accepted in configuration.
const (
	CustomModeNone     = "none"
	CustomModeAll      = "all"
	CustomModeExplicit = "explicit"
)

// WithCustom returns a copy of f with its custom-event policy replaced.
// names is consulted only in explicit mode; entries may carry the
// "custom:" prefix or be bare names.
func (f *Filter) WithCustom(mode string, names []string) (*Filter, error) {
	nf := &Filter{builtin: f.builtin}
	switch mode {
	case CustomModeNone:
		nf.customNames = map[string]struct{}{}
	case CustomModeAll:
		nf.customNames = nil
	case CustomModeExplicit:
		nf.customNames = make(map[string]struct{}, len(names))
		for _, raw := range names {
			name := strings.TrimPrefix(raw, CustomPrefix)
			if name == "" {
				return nil, fmt.Errorf("empty custom event name in %q", raw)
			}
			nf.customNames[name] = struct{}{}
		}
	default:
		return nil, fmt.Errorf("unknown custom mode %q (valid: %s, %s, %s)",
			mode, CustomModeNone, CustomModeAll, CustomModeExplicit)
	}
	return nf, nil
}

// AllowedTypes returns every admitted type name, lifecycle events
// included, sorted for stable logging. All-custom admission is reported
// as the single entry "custom".
func (f *Filter) AllowedTypes() []string {
	out := []string{
		string(TypeStarted),
		string(TypeComplete),
		string(TypeError),
		string(TypeCancelled),
	}
	for t := range f.builtin {
		out = append(out, string(t))
	}
	if f.customNames == nil {
		out = append(out, "custom")
	} else {
		for name := range f.customNames {
			out = append(out, CustomPrefix+name)
		}
	}
	sort.Strings(out)
	return out
}

func presetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validEntries() []string {
	entries := []string{"custom", "custom:<name>"}
	for t := range configurable {
		entries = append(entries, string(t))
	}
	sort.Strings(entries)
	return entries
}
