// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/edgemux/edgemux/pkg/errors"
	"github.com/edgemux/edgemux/pkg/metrics"
)

// Spec names one filter on a chain together with its JSON configuration,
// as it appears in the chain configuration document.
type Spec struct {
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Options carries the shared collaborators handed to every factory.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Listener string
}

// Factory builds a Provider from its JSON configuration. An empty or nil
// config must produce the filter's documented defaults.
type Factory func(cfg json.RawMessage, opts Options) (Provider, error)

var (
	regMu     sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a filter kind available to Build. It is called from the
// filter packages' init functions; registering the same kind twice panics.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := factories[kind]; dup {
		panic(fmt.Sprintf("filter: kind %q registered twice", kind))
	}
	factories[kind] = f
}

// Kinds returns the registered filter kinds, sorted.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build constructs the provider for a single spec.
func Build(spec Spec, opts Options) (Provider, error) {
	regMu.RLock()
	f, ok := factories[spec.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown filter kind %q (have %v)", spec.Kind, Kinds())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p, err := f(spec.Config, opts)
	if err != nil {
		return nil, &errors.FilterError{Op: "build", Filter: spec.Kind, Err: err}
	}
	return p, nil
}

// BuildChain constructs the providers for a chain document: a JSON array
// of specs, applied in order.
func BuildChain(doc []byte, opts Options) ([]Provider, error) {
	var specs []Spec
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &specs); err != nil {
			return nil, fmt.Errorf("parsing filter chain: %w", err)
		}
	}

	providers := make([]Provider, 0, len(specs))
	for _, spec := range specs {
		p, err := Build(spec, opts)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// Instantiate returns one per-connection filter from each provider, in
// chain order.
func Instantiate(providers []Provider) []Filter {
	fs := make([]Filter, len(providers))
	for i, p := range providers {
		fs[i] = p.New()
	}
	return fs
}
