// Package quirks patches devices whose firmware deviates from the UPnP
// profiles.
package quirks

import (
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/mikey-austin/mucp/internal/upnp/device"
)

// Matcher tests one description field.
type Matcher struct {
	exact   string
	pattern *regexp.Regexp
}

// Exact matches the field value verbatim.
func Exact(value string) Matcher {
	return Matcher{exact: value}
}

// Pattern matches the field value against a regular expression.
func Pattern(expr string) (Matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Matcher{}, fmt.Errorf("quirk pattern %q: %w", expr, err)
	}
	return Matcher{pattern: re}, nil
}

// MustPattern is Pattern for static rules.
func MustPattern(expr string) Matcher {
	m, err := Pattern(expr)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Matcher) Match(value string, present bool) bool {
	if !present {
		return false
	}
	if m.pattern != nil {
		return m.pattern.MatchString(value)
	}
	return value == m.exact
}

func (m Matcher) String() string {
	if m.pattern != nil {
		return "/" + m.pattern.String() + "/"
	}
	return m.exact
}

// Criteria maps a device description field to its matcher. Every entry must
// match.
type Criteria map[string]Matcher

func (c Criteria) Match(desc device.Description) bool {
	for field, m := range c {
		v, ok := desc.Field(field)
		if !m.Match(v, ok) {
			return false
		}
	}
	return true
}

// Patch wraps a device. It must return the device unchanged when it does not
// apply to its variant.
type Patch func(d device.Device) device.Device

type Rule struct {
	Name     string
	Criteria Criteria
	Patches  []Patch
}

// Registry applies every matching rule in order. It implements
// device.Patcher.
type Registry struct {
	log   *zap.Logger
	mu    sync.RWMutex
	rules []Rule
}

func NewRegistry(log *zap.Logger, rules ...Rule) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{log: log, rules: rules}
}

func (r *Registry) Patch(d device.Device) device.Device {
	if d == nil {
		return nil
	}
	desc := d.Info().Description
	for _, rule := range r.Rules() {
		if !rule.Criteria.Match(desc) {
			continue
		}
		for _, patch := range rule.Patches {
			d = patch(d)
		}
		r.log.Debug("quirk applied",
			zap.String("rule", rule.Name),
			zap.String("device", d.Info().Name()),
			zap.String("location", d.Info().Location),
		)
	}
	return d
}

// SetRules replaces the rule set for devices built afterwards.
func (r *Registry) SetRules(rules []Rule) {
	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
}

func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Builtin returns the rules shipped with the daemon.
func Builtin() []Rule {
	return []Rule{
		{
			Name: "BubbleUPnP Media Renderer",
			Criteria: Criteria{
				"deviceType":       Exact("urn:schemas-upnp-org:device:MediaRenderer:1"),
				"modelDescription": Exact("BubbleUPnP Media Renderer"),
				"modelName":        Exact("BubbleUPnP Media Renderer"),
				"modelNumber":      MustPattern(`[0-3]\.[0-9]+\.[0-9]+`),
			},
			Patches: []Patch{ScaleVolume(25)},
		},
	}
}
