package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mikey-austin/mucp/internal/ports"
	"github.com/mikey-austin/mucp/pkg/cp"
)

// KindControlPoint is the presence kind announced by mucpd.
const KindControlPoint = "controlpoint"

// Resolver resolves selectors to control point presence.
type Resolver struct {
	Presence ports.Broker
	Config   Config
}

// ResolveNode resolves a control point selector using the configured
// default. With no selector a single announced node is picked.
func (r Resolver) ResolveNode(ctx context.Context, selector string) (cp.Presence, error) {
	if selector == "" {
		selector = r.Config.Node
	}

	presence, err := r.Presence.ListPresence(ctx)
	if err != nil {
		return cp.Presence{}, WrapError(ExitRuntime, "list presence", err)
	}

	filtered := make([]cp.Presence, 0, len(presence))
	for _, p := range presence {
		if p.Kind == KindControlPoint {
			filtered = append(filtered, p)
		}
	}
	if strings.TrimSpace(selector) == "" {
		switch len(filtered) {
		case 1:
			return filtered[0], nil
		case 0:
			return cp.Presence{}, &CLIError{Code: ExitNotFound, Msg: "no control point online"}
		default:
			return cp.Presence{}, &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("node required: %s", suggestionList(filtered))}
		}
	}
	return resolveSelector(selector, filtered, r.Config.Aliases)
}

func resolveSelector(selector string, presence []cp.Presence, aliases map[string]string) (cp.Presence, error) {
	selector = strings.TrimSpace(selector)
	if alias, ok := aliases[selector]; ok {
		selector = alias
	}

	matches := make([]cp.Presence, 0)
	for _, p := range presence {
		if p.NodeID == selector {
			return p, nil
		}
		if strings.EqualFold(p.Name, selector) || strings.EqualFold(p.NodeID, selector) {
			matches = append(matches, p)
		}
	}

	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) == 0 {
		return cp.Presence{}, &CLIError{Code: ExitNotFound, Msg: fmt.Sprintf("no match for %q", selector)}
	}
	return cp.Presence{}, &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("ambiguous selector %q: %s", selector, suggestionList(matches))}
}

func suggestionList(matches []cp.Presence) string {
	names := make([]string, 0, len(matches))
	for _, p := range matches {
		names = append(names, fmt.Sprintf("%s (%s)", p.Name, p.NodeID))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
