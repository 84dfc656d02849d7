// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package waf scans request bodies against configured patterns. Delivered
// segments are accumulated and streamed through the matcher without being
// flattened into one contiguous buffer; a match answers the client with a
// forbidden response instead of forwarding the body.
package waf

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	perrors "github.com/edgemux/edgemux/pkg/errors"
	"github.com/edgemux/edgemux/pkg/filter"
	"github.com/edgemux/edgemux/pkg/parser/segio"
)

// Kind is the registered filter kind.
const Kind = "waf"

const (
	defaultMaxScanBytes = 1 << 20
	defaultResponseBody = "Access forbidden"
)

func init() {
	filter.Register(Kind, func(cfg json.RawMessage, opts filter.Options) (filter.Provider, error) {
		return NewProvider(cfg, opts)
	})
}

// Config is the filter's JSON configuration.
type Config struct {
	Patterns     []string `json:"patterns"`
	MaxScanBytes int      `json:"max_scan_bytes"`
	ResponseBody string   `json:"response_body"`
}

// Provider holds the compiled patterns, shared read-only by every
// connection on the chain.
type Provider struct {
	patterns []*regexp.Regexp
	maxScan  int
	response []byte
	opts     filter.Options
}

var _ filter.Provider = (*Provider)(nil)

// NewProvider compiles the configured patterns. At least one pattern is
// required; a pattern that does not compile fails the whole chain.
func NewProvider(cfg json.RawMessage, opts filter.Options) (*Provider, error) {
	c := Config{MaxScanBytes: defaultMaxScanBytes, ResponseBody: defaultResponseBody}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, fmt.Errorf("parsing waf config: %w", err)
		}
	}
	if len(c.Patterns) == 0 {
		return nil, fmt.Errorf("%w: at least one pattern required", perrors.ErrInvalidConfig)
	}
	if c.MaxScanBytes <= 0 {
		c.MaxScanBytes = defaultMaxScanBytes
	}
	if c.ResponseBody == "" {
		c.ResponseBody = defaultResponseBody
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	patterns := make([]*regexp.Regexp, 0, len(c.Patterns))
	for _, pat := range c.Patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compiling waf pattern %q: %w", pat, err)
		}
		patterns = append(patterns, re)
	}

	response := []byte(fmt.Sprintf(
		"HTTP/1.1 403 Forbidden\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s",
		len(c.ResponseBody), c.ResponseBody))

	return &Provider{
		patterns: patterns,
		maxScan:  c.MaxScanBytes,
		response: response,
		opts:     opts,
	}, nil
}

// Kind implements filter.Provider.
func (p *Provider) Kind() string { return Kind }

// New implements filter.Provider.
func (p *Provider) New() filter.Filter {
	return &scanFilter{p: p}
}

// Match streams the segments through each pattern and reports whether any
// matched. The segments are read in place, never joined.
func (p *Provider) Match(segs [][]byte) bool {
	for _, re := range p.patterns {
		if re.MatchReader(bufio.NewReader(segio.NewReader(segs))) {
			return true
		}
	}
	return false
}

// scanFilter keeps its own copy of everything the client has sent so far
// and rescans the whole body on each delivery; patterns crossing delivery
// boundaries still match.
type scanFilter struct {
	filter.Noop
	p       *Provider
	segs    [][]byte
	total   int
	matched bool
	done    bool
}

func (f *scanFilter) OnData(ctx context.Context, conn *filter.Conn, segs [][]byte) filter.Decision {
	if f.matched {
		return filter.CloseWith("request blocked")
	}
	if f.done {
		return filter.Pass
	}

	for _, seg := range segs {
		cp := make([]byte, len(seg))
		copy(cp, seg)
		f.segs = append(f.segs, cp)
		f.total += len(seg)
	}
	if f.total > f.p.maxScan {
		// The scan window is exhausted; the rest of the stream flows
		// unscanned.
		f.done = true
		f.segs = nil
		return filter.Pass
	}

	if m := f.p.opts.Metrics; m != nil {
		m.WafScans.WithLabelValues(f.p.opts.Listener).Inc()
	}
	if f.p.Match(f.segs) {
		f.matched = true
		f.segs = nil
		if m := f.p.opts.Metrics; m != nil {
			m.WafMatches.WithLabelValues(f.p.opts.Listener).Inc()
		}
		f.p.opts.Logger.Info("request body matched blocked pattern",
			slog.String("session_id", conn.SessionID),
			slog.String("remote", conn.RemoteAddr))
		return filter.RespondWith(f.p.response)
	}
	return filter.Pass
}

func (f *scanFilter) OnClose(conn *filter.Conn) {
	f.segs = nil
}
