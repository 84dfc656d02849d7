// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package echo answers every client delivery with its own bytes, with an
// optional configured prefix. Nothing is forwarded to the upstream; the
// filter is mostly useful for wiring and load tests.
package echo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgemux/edgemux/pkg/filter"
)

// Kind is the registered filter kind.
const Kind = "echo"

func init() {
	filter.Register(Kind, func(cfg json.RawMessage, opts filter.Options) (filter.Provider, error) {
		return NewProvider(cfg, opts)
	})
}

// Config is the filter's JSON configuration.
type Config struct {
	Prefix string `json:"prefix"`
}

// Provider holds the echo prefix.
type Provider struct {
	prefix []byte
	opts   filter.Options
}

var _ filter.Provider = (*Provider)(nil)

// NewProvider parses the configuration. An empty config echoes data back
// unmodified.
func NewProvider(cfg json.RawMessage, opts filter.Options) (*Provider, error) {
	var c Config
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, fmt.Errorf("parsing echo config: %w", err)
		}
	}
	return &Provider{prefix: []byte(c.Prefix), opts: opts}, nil
}

// Kind implements filter.Provider.
func (p *Provider) Kind() string { return Kind }

// New implements filter.Provider.
func (p *Provider) New() filter.Filter {
	return &echoFilter{p: p}
}

type echoFilter struct {
	filter.Noop
	p *Provider
}

func (f *echoFilter) OnData(ctx context.Context, conn *filter.Conn, segs [][]byte) filter.Decision {
	total := len(f.p.prefix)
	for _, seg := range segs {
		total += len(seg)
	}

	reply := make([]byte, 0, total)
	reply = append(reply, f.p.prefix...)
	for _, seg := range segs {
		reply = append(reply, seg...)
	}

	if m := f.p.opts.Metrics; m != nil {
		m.BytesSent.WithLabelValues(f.p.opts.Listener).Add(float64(len(reply)))
	}
	return filter.RespondWith(reply)
}
