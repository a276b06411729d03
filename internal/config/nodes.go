package config

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/agent462/fleetrun/internal/node"
)

// ResolveNodes picks the nodes for a run from a config group and ad-hoc CLI
// specs. With neither, every configured node is returned. Group members come
// first; ad-hoc nodes are appended unless a node with the same name is
// already selected. Ad-hoc specs that name a configured node reuse its
// addresses, and specs with glob characters select every configured node
// whose name matches.
func ResolveNodes(cfg *Config, groupName string, specs []string) ([]node.Node, error) {
	byName := make(map[string]node.Node, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		byName[n.Name] = n
	}

	if groupName == "" && len(specs) == 0 {
		return append([]node.Node(nil), cfg.Nodes...), nil
	}

	var nodes []node.Node
	seen := make(map[string]bool)
	add := func(n node.Node) {
		if !seen[n.Name] {
			nodes = append(nodes, n)
			seen[n.Name] = true
		}
	}

	if groupName != "" {
		members, ok := cfg.Groups[groupName]
		if !ok {
			available := make([]string, 0, len(cfg.Groups))
			for name := range cfg.Groups {
				available = append(available, name)
			}
			if len(available) == 0 {
				return nil, fmt.Errorf("group %q not found (no groups defined)", groupName)
			}
			sort.Strings(available)
			return nil, fmt.Errorf("group %q not found (available: %v)", groupName, available)
		}
		for _, m := range members {
			n, ok := byName[m]
			if !ok {
				return nil, fmt.Errorf("group %q references unknown node %q", groupName, m)
			}
			add(n)
		}
	}

	for _, spec := range specs {
		if n, ok := byName[spec]; ok {
			add(n)
			continue
		}
		if isPattern(spec) {
			matched, err := matchNodes(spec, cfg.Nodes)
			if err != nil {
				return nil, err
			}
			for _, n := range matched {
				add(n)
			}
			continue
		}
		n, err := node.Parse(spec)
		if err != nil {
			return nil, err
		}
		add(n)
	}

	return nodes, nil
}

// isPattern reports whether spec is a name glob. Brackets only count when
// the spec has no colon, so "[::1]:22" stays an address.
func isPattern(spec string) bool {
	if strings.Contains(spec, "=") {
		return false
	}
	if strings.ContainsAny(spec, "*?") {
		return true
	}
	return strings.Contains(spec, "[") && !strings.Contains(spec, ":")
}

// matchNodes returns configured nodes whose names match the glob pattern.
func matchNodes(pattern string, all []node.Node) ([]node.Node, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var matched []node.Node
	for _, n := range all {
		if ok, _ := path.Match(pattern, n.Name); ok {
			matched = append(matched, n)
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("no nodes match %q", pattern)
	}
	return matched, nil
}
