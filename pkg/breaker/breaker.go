// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker shields upstream clusters from dial storms: after
// repeated dial failures a cluster's circuit opens and dials fail fast
// until a probe succeeds.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/edgemux/edgemux/pkg/errors"
)

// State is the circuit state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds the circuit thresholds. Zero fields take defaults.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the
	// circuit.
	MaxFailures int

	// ResetTimeout is how long an open circuit waits before letting a
	// probe through.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive probe successes
	// that close the circuit again.
	SuccessThreshold int
}

func (c *Config) withDefaults() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
}

// Breaker is the circuit for a single upstream cluster.
type Breaker struct {
	mu         sync.Mutex
	cfg        Config
	state      State
	failures   int
	successes  int
	lastChange time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	cfg.withDefaults()
	return &Breaker{cfg: cfg, state: StateClosed, lastChange: time.Now()}
}

// Call runs fn if the circuit admits it and records the outcome. When the
// circuit is open it fails fast with ErrBackendUnavailable without
// invoking fn.
func (b *Breaker) Call(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.lastChange) > b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			return nil
		}
		return fmt.Errorf("%w: circuit open", errors.ErrBackendUnavailable)
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.transition(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	b.state = next
	b.lastChange = time.Now()

	if next == StateClosed {
		b.failures = 0
		b.successes = 0
	} else if next == StateHalfOpen {
		b.successes = 0
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Group keeps one breaker per upstream cluster, created on first use.
type Group struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewGroup creates an empty group; every breaker it creates shares cfg.
func NewGroup(cfg Config) *Group {
	cfg.withDefaults()
	return &Group{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the cluster's breaker, creating it if needed.
func (g *Group) Get(cluster string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[cluster]
	if !ok {
		b = New(g.cfg)
		g.breakers[cluster] = b
	}
	return b
}
