// Package shard maps an incoming (host, user) pair to the event server port
// that owns that user's queues. The routing table is static YAML loaded at
// startup; every frontend must load the same table or clients land on the
// wrong shard.
package shard

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// tableYAML is the on-disk shape of the routing table.
type tableYAML struct {
	DefaultPort int              `yaml:"default_port"`
	Hosts       map[string][]int `yaml:"hosts"`
	Patterns    []patternYAML    `yaml:"patterns"`
}

type patternYAML struct {
	Regex string `yaml:"regex"`
	Ports []int  `yaml:"ports"`
}

type pattern struct {
	re    *regexp.Regexp
	ports []int
}

// Table routes realm hosts to event server ports. Exact host entries win
// over regex patterns; patterns are tried in file order.
type Table struct {
	defaultPort int
	hosts       map[string][]int
	patterns    []pattern
}

// Load reads and validates a routing table. An invalid regex fails the load;
// a half-understood table must never route anyone.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shard table: %w", err)
	}
	return Parse(data)
}

// Parse builds a table from raw YAML.
func Parse(data []byte) (*Table, error) {
	var raw tableYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse shard table: %w", err)
	}
	if raw.DefaultPort <= 0 {
		return nil, fmt.Errorf("shard table needs a positive default_port, got %d", raw.DefaultPort)
	}
	t := &Table{
		defaultPort: raw.DefaultPort,
		hosts:       make(map[string][]int, len(raw.Hosts)),
	}
	for host, ports := range raw.Hosts {
		if len(ports) == 0 {
			return nil, fmt.Errorf("shard table host %q has no ports", host)
		}
		t.hosts[host] = ports
	}
	for _, p := range raw.Patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("shard table pattern %q: %w", p.Regex, err)
		}
		if len(p.Ports) == 0 {
			return nil, fmt.Errorf("shard table pattern %q has no ports", p.Regex)
		}
		t.patterns = append(t.patterns, pattern{re: re, ports: p.Ports})
	}
	return t, nil
}

// Default returns a single-shard table routing everything to port.
func Default(port int) *Table {
	return &Table{defaultPort: port, hosts: map[string][]int{}}
}

// PortFor returns the port owning (host, userID). Multi-port entries split a
// host's users deterministically by user id so the same user always reaches
// the same shard.
func (t *Table) PortFor(host string, userID int64) int {
	if ports, ok := t.hosts[host]; ok {
		return pick(ports, userID)
	}
	for _, p := range t.patterns {
		if p.re.MatchString(host) {
			return pick(p.ports, userID)
		}
	}
	return t.defaultPort
}

// Ports returns every port the table can route to, default included.
func (t *Table) Ports() []int {
	seen := map[int]bool{t.defaultPort: true}
	out := []int{t.defaultPort}
	add := func(ports []int) {
		for _, p := range ports {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	for _, ports := range t.hosts {
		add(ports)
	}
	for _, p := range t.patterns {
		add(p.ports)
	}
	return out
}

func pick(ports []int, userID int64) int {
	if len(ports) == 1 {
		return ports[0]
	}
	idx := userID % int64(len(ports))
	if idx < 0 {
		idx += int64(len(ports))
	}
	return ports[idx]
}
