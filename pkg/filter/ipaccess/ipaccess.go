// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ipaccess admits or rejects connections by client address.
//
// Rules are single addresses or CIDR ranges; in allowlist mode a
// connection is accepted iff its address matches at least one rule, in
// blocklist mode iff it matches none. An address whose family differs
// from a rule's never matches that rule.
package ipaccess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	perrors "github.com/edgemux/edgemux/pkg/errors"
	"github.com/edgemux/edgemux/pkg/filter"
)

// Kind is the registered filter kind.
const Kind = "ipaccess"

func init() {
	filter.Register(Kind, func(cfg json.RawMessage, opts filter.Options) (filter.Provider, error) {
		return NewProvider(cfg, opts)
	})
}

// Mode selects how rule matches translate into admission.
type Mode string

const (
	// Allowlist accepts only addresses matching at least one rule.
	Allowlist Mode = "allowlist"

	// Blocklist accepts only addresses matching no rule.
	Blocklist Mode = "blocklist"
)

// Config is the filter's JSON configuration.
type Config struct {
	Mode       Mode     `json:"mode"`
	Addresses  []string `json:"addresses"`
	LogBlocked *bool    `json:"log_blocked"`
}

// Provider holds the parsed rule list, shared read-only by every
// connection on the chain.
type Provider struct {
	mode       Mode
	rules      []Rule
	logBlocked bool
	opts       filter.Options
}

var _ filter.Provider = (*Provider)(nil)

// NewProvider parses and validates the configuration. At least one rule
// is required; a single bad address fails the whole chain rather than
// silently narrowing the rule set.
func NewProvider(cfg json.RawMessage, opts filter.Options) (*Provider, error) {
	var c Config
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, fmt.Errorf("parsing ipaccess config: %w", err)
		}
	}
	if c.Mode != Allowlist && c.Mode != Blocklist {
		return nil, fmt.Errorf("%w: mode must be %q or %q, got %q", perrors.ErrInvalidConfig, Allowlist, Blocklist, c.Mode)
	}
	if len(c.Addresses) == 0 {
		return nil, fmt.Errorf("%w: at least one address required", perrors.ErrInvalidConfig)
	}

	rules := make([]Rule, 0, len(c.Addresses))
	for _, addr := range c.Addresses {
		rule, err := ParseRule(addr)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	logBlocked := true
	if c.LogBlocked != nil {
		logBlocked = *c.LogBlocked
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Provider{
		mode:       c.Mode,
		rules:      rules,
		logBlocked: logBlocked,
		opts:       opts,
	}, nil
}

// Kind implements filter.Provider.
func (p *Provider) Kind() string { return Kind }

// New implements filter.Provider. The instance is stateless; the rule
// list stays shared.
func (p *Provider) New() filter.Filter {
	return &accessFilter{p: p}
}

// Allowed evaluates the decision policy for a single address.
func (p *Provider) Allowed(ip netip.Addr) bool {
	matched := false
	for _, r := range p.rules {
		if r.Matches(ip) {
			matched = true
			break
		}
	}
	if p.mode == Allowlist {
		return matched
	}
	return !matched
}

type accessFilter struct {
	filter.Noop
	p *Provider
}

func (f *accessFilter) OnAccept(ctx context.Context, conn *filter.Conn) filter.Decision {
	p := f.p

	host, _, err := net.SplitHostPort(conn.RemoteAddr)
	if err != nil {
		host = conn.RemoteAddr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		// An unparseable peer address is allowed through rather than
		// failing closed on a transport quirk.
		p.opts.Logger.Warn("could not parse remote address, allowing connection",
			slog.String("remote", conn.RemoteAddr))
		return filter.Pass
	}

	if p.Allowed(ip) {
		if p.opts.Metrics != nil {
			p.opts.Metrics.ConnectionsAllowed.WithLabelValues(p.opts.Listener).Inc()
		}
		return filter.Pass
	}

	if p.opts.Metrics != nil {
		p.opts.Metrics.ConnectionsBlocked.WithLabelValues(p.opts.Listener).Inc()
	}
	if p.logBlocked {
		reason := "not in allowlist"
		if p.mode == Blocklist {
			reason = "in blocklist"
		}
		p.opts.Logger.Warn("connection blocked",
			slog.String("remote", conn.RemoteAddr),
			slog.String("reason", reason))
	}
	return filter.CloseWith("ip address blocked by filter")
}
