package node

import (
	"fmt"
	"strings"
)

// Node describes a remote machine the dispatcher can target. Nodes are
// populated by inventory or discovery code and are never mutated here.
type Node struct {
	Name      string `yaml:"name"`
	PublicIP  string `yaml:"public_ip"`
	PrivateIP string `yaml:"private_ip,omitempty"`
}

// Address returns the address selected by the private-address policy.
func (n Node) Address(preferPrivate bool) string {
	if preferPrivate {
		return n.PrivateIP
	}
	return n.PublicIP
}

func (n Node) String() string {
	if n.Name == "" {
		return n.PublicIP
	}
	return n.Name
}

// Parse reads an ad-hoc node spec. Accepted forms:
//
//	name=public,private
//	name=public
//	address
//
// A bare address is used as the name and as both addresses.
func Parse(spec string) (Node, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Node{}, fmt.Errorf("empty node spec")
	}

	name, addrs, ok := strings.Cut(spec, "=")
	if !ok {
		return Node{Name: spec, PublicIP: spec, PrivateIP: spec}, nil
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return Node{}, fmt.Errorf("node spec %q has empty name", spec)
	}

	public, private, _ := strings.Cut(addrs, ",")
	public = strings.TrimSpace(public)
	private = strings.TrimSpace(private)
	if public == "" && private == "" {
		return Node{}, fmt.Errorf("node spec %q has no address", spec)
	}
	if public == "" {
		public = private
	}
	if private == "" {
		private = public
	}

	return Node{Name: name, PublicIP: public, PrivateIP: private}, nil
}

// ParseAll parses every spec, stopping at the first error.
func ParseAll(specs []string) ([]Node, error) {
	nodes := make([]Node, 0, len(specs))
	for _, s := range specs {
		n, err := Parse(s)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
