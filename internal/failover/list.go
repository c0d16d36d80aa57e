// Package failover tracks the candidate addresses of one logical service and which one the
// connect loop is currently trying.
package failover

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/tcphub/internal/clock"
)

const DefaultTimeout = 2 * time.Second

var ErrNoAddresses = errors.New("failover: no addresses")

// Address is one resolved candidate.
type Address struct {
	// Description is the name the address was resolved from.
	Description string
	// HostPort is the dialable host:port.
	HostPort string
}

func (a Address) String() string {
	if a.Description == "" || a.Description == a.HostPort {
		return a.HostPort
	}
	return a.Description + "(" + a.HostPort + ")"
}

// Resolver maps a description to a host:port.
type Resolver interface {
	Lookup(description string) (string, error)
}

// List is safe for concurrent use. Current reports false once FailoverToNext has moved past the
// last address; ResetToFirst starts the cycle again.
type List struct {
	name    string
	addrs   []Address
	timeout time.Duration
	clock   clock.Clock

	mu         sync.Mutex
	idx        int
	selectedAt time.Time
}

// Options tune a List. Zero values take defaults.
type Options struct {
	Timeout time.Duration
	Clock   clock.Clock
}

// New resolves every description up front so malformed input fails before any connect attempt.
func New(name string, descriptions []string, r Resolver, opts Options) (*List, error) {
	addrs := make([]Address, 0, len(descriptions))
	for _, d := range descriptions {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		hp, err := r.Lookup(d)
		if err != nil {
			return nil, fmt.Errorf("failover: resolve %q for %s: %w", d, name, err)
		}
		addrs = append(addrs, Address{Description: d, HostPort: hp})
	}
	return NewFromAddresses(name, addrs, opts)
}

// NewFromAddresses builds a list from already resolved addresses.
func NewFromAddresses(name string, addrs []Address, opts Options) (*List, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, name)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	l := &List{
		name:    name,
		addrs:   append([]Address(nil), addrs...),
		timeout: opts.Timeout,
		clock:   opts.Clock,
	}
	l.selectedAt = l.clock.Now()
	return l, nil
}

func (l *List) Name() string { return l.name }

func (l *List) Len() int { return len(l.addrs) }

// Addresses returns a copy of the candidates in order.
func (l *List) Addresses() []Address {
	return append([]Address(nil), l.addrs...)
}

// Current returns the address being tried.
func (l *List) Current() (Address, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.idx >= len(l.addrs) {
		return Address{}, false
	}
	return l.addrs[l.idx], true
}

// FailoverToNext advances to the next candidate and restarts its timer.
func (l *List) FailoverToNext() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.idx < len(l.addrs) {
		l.idx++
	}
	l.selectedAt = l.clock.Now()
}

// ResetToFirst selects the first candidate and restarts its timer.
func (l *List) ResetToFirst() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.idx = 0
	l.selectedAt = l.clock.Now()
}

func (l *List) FailoverTimeout() time.Duration { return l.timeout }

// Expired reports whether the current candidate has been tried for longer than the timeout.
func (l *List) Expired(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Sub(l.selectedAt) >= l.timeout
}

func (l *List) String() string {
	parts := make([]string, len(l.addrs))
	for i, a := range l.addrs {
		parts[i] = a.String()
	}
	return l.name + "[" + strings.Join(parts, ",") + "]"
}
