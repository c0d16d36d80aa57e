// Package registry resolves symbolic service names to host:port addresses and owns the
// listeners created for those names in tests and local demos.
package registry

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	logs "github.com/danmuck/tcphub/internal/logging"
)

var ErrConfiguration = errors.New("registry: configuration error")

// Registry is an explicit alias table. The zero value is not usable; call New.
type Registry struct {
	env func(string) (string, bool)

	mu        sync.Mutex
	aliases   map[string]string
	listeners map[string]net.Listener
}

// Option configures a Registry.
type Option func(*Registry)

// WithEnv replaces the environment lookup consulted for names without an alias.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(r *Registry) { r.env = lookup }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		env:       os.LookupEnv,
		aliases:   make(map[string]string),
		listeners: make(map[string]net.Listener),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetAlias maps name to host:port.
func (r *Registry) SetAlias(name, host string, port int) error {
	hp, err := hostPort(name, host, port)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[name] = hp
	return nil
}

// Lookup resolves description via, in order, an alias, an environment variable of the same
// name holding host:port, or description itself parsed as host:port. Successful environment
// and literal resolutions are cached as aliases.
func (r *Registry) Lookup(description string) (string, error) {
	description = strings.TrimSpace(description)
	r.mu.Lock()
	hp, ok := r.aliases[description]
	r.mu.Unlock()
	if ok {
		return hp, nil
	}

	if r.env != nil {
		if value, ok := r.env(description); ok {
			hp, err := parse(value)
			if err != nil {
				return "", fmt.Errorf("%w: alias %s as %q: %v", ErrConfiguration, description, value, err)
			}
			r.store(description, hp)
			return hp, nil
		}
	}

	hp, err := parse(description)
	if err != nil {
		return "", fmt.Errorf("%w: description %q: %v", ErrConfiguration, description, err)
	}
	r.store(description, hp)
	return hp, nil
}

func (r *Registry) store(description, hp string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[description] = hp
}

// CreateListeners binds one listener per description. A description of the form host:port binds
// that address; any other name binds an ephemeral loopback port and is aliased to it.
func (r *Registry) CreateListeners(descriptions ...string) error {
	for _, d := range descriptions {
		bind := "127.0.0.1:0"
		if strings.Contains(d, ":") {
			hp, err := parse(d)
			if err != nil {
				return fmt.Errorf("%w: description %q: %v", ErrConfiguration, d, err)
			}
			bind = hp
		}
		ln, err := net.Listen("tcp", bind)
		if err != nil {
			return fmt.Errorf("registry: listen %s for %q: %w", bind, d, err)
		}
		r.mu.Lock()
		if old, ok := r.listeners[d]; ok {
			_ = old.Close()
		}
		r.listeners[d] = ln
		r.aliases[d] = ln.Addr().String()
		r.mu.Unlock()
		logs.Debugf("registry.Registry.CreateListeners desc=%q addr=%s", d, ln.Addr())
	}
	return nil
}

// Listener returns the listener created for description.
func (r *Registry) Listener(description string) (net.Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ln, ok := r.listeners[description]
	return ln, ok
}

// Release forgets a listener without closing it; the caller now owns it.
func (r *Registry) Release(description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, description)
}

// Reset closes every listener and clears all aliases.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for d, ln := range r.listeners {
		_ = ln.Close()
		delete(r.listeners, d)
	}
	r.aliases = make(map[string]string)
}

// AssertAllServersStopped closes every listener still registered and reports them.
// Listeners already closed by their owner are not reported.
func (r *Registry) AssertAllServersStopped() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := make([]string, 0)
	for d, ln := range r.listeners {
		if err := ln.Close(); err == nil {
			open = append(open, d)
		}
		delete(r.listeners, d)
	}
	r.aliases = make(map[string]string)
	if len(open) == 0 {
		return nil
	}
	sort.Strings(open)
	return fmt.Errorf("registry: had to stop %s", strings.Join(open, ","))
}

func parse(raw string) (string, error) {
	host, portRaw, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return "", errors.New("expected hostname:port")
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return "", errors.New("expected hostname:port with port as a number")
	}
	return hostPort(raw, host, port)
}

func hostPort(name, host string, port int) (string, error) {
	if port <= 0 || port >= 65536 {
		return "", fmt.Errorf("%w: invalid port %d for %q", ErrConfiguration, port, name)
	}
	if host == "null" {
		return "", fmt.Errorf("%w: invalid hostname \"null\" for %q", ErrConfiguration, name)
	}
	if host == "*" {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
