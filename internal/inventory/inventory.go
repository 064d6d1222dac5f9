// Package inventory loads the worker host list from a YAML file.
//
// A minimal inventory:
//
//	user: ubuntu
//	port: 22
//	hosts:
//	  - 10.0.0.1
//	  - crawler@10.0.0.2:2222
//	  - addr: 10.0.0.3
//	    user: admin
//
// File-level user and port override the caller's defaults; per-host
// values override both.
package inventory

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/tranco-dispatch/internal/remote"
)

// ErrEmpty is returned for an inventory without hosts.
var ErrEmpty = errors.New("inventory has no hosts")

type file struct {
	User  string  `yaml:"user"`
	Port  int     `yaml:"port"`
	Hosts []entry `yaml:"hosts"`
}

type entry struct {
	spec string
	Addr string `yaml:"addr"`
	User string `yaml:"user"`
	Port int    `yaml:"port"`
}

// UnmarshalYAML accepts either a host string or a mapping.
func (e *entry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&e.spec)
	}
	type plain entry
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("decode host entry: %w", err)
	}
	*e = entry(p)
	return nil
}

func (e entry) toSpec() string {
	if e.spec != "" {
		return e.spec
	}
	s := e.Addr
	if e.Port != 0 {
		s = net.JoinHostPort(e.Addr, strconv.Itoa(e.Port))
	}
	if e.User != "" {
		s = e.User + "@" + s
	}
	return s
}

// Load reads the inventory at path.
func Load(path, defUser string, defPort int) ([]remote.Host, error) {
	// #nosec G304 -- inventory path comes from operator configuration.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return Parse(raw, defUser, defPort)
}

// Parse decodes an inventory document.
func Parse(raw []byte, defUser string, defPort int) ([]remote.Host, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	if len(f.Hosts) == 0 {
		return nil, ErrEmpty
	}
	if f.User != "" {
		defUser = f.User
	}
	if f.Port != 0 {
		defPort = f.Port
	}
	specs := make([]string, 0, len(f.Hosts))
	for _, e := range f.Hosts {
		specs = append(specs, e.toSpec())
	}
	hosts, err := remote.ParseHosts(specs, defUser, defPort)
	if err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	return hosts, nil
}
