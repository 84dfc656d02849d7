// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis enforces a command policy on RESP traffic. Each delivery
// is decoded on its own; a delivery carrying a blocked command is dropped
// and answered with a RESP error instead of reaching the upstream.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"

	perrors "github.com/edgemux/edgemux/pkg/errors"
	"github.com/edgemux/edgemux/pkg/filter"
	"github.com/edgemux/edgemux/pkg/parser/resp"
	"github.com/edgemux/edgemux/pkg/ratelimit"
)

// Kind is the registered filter kind.
const Kind = "redis"

const defaultMaxCommandLength = 1024

func init() {
	filter.Register(Kind, func(cfg json.RawMessage, opts filter.Options) (filter.Provider, error) {
		return NewProvider(cfg, opts)
	})
}

// Config is the filter's JSON configuration.
type Config struct {
	BlockedCommands  []string `json:"blocked_commands"`
	LogCommands      *bool    `json:"log_commands"`
	MaxCommandLength int      `json:"max_command_length"`

	// CommandRate caps commands per second per client address; 0
	// disables rate limiting. CommandBurst is the bucket capacity and
	// defaults to CommandRate.
	CommandRate  int64 `json:"command_rate"`
	CommandBurst int64 `json:"command_burst"`
}

// Provider holds the blocked-command set, shared read-only by every
// connection on the chain.
type Provider struct {
	blocked     map[string]struct{}
	logCommands bool
	maxLen      int
	limiter     *ratelimit.Limiter
	opts        filter.Options
}

var _ filter.Provider = (*Provider)(nil)

// NewProvider parses and validates the configuration. Blocked command
// names are case-insensitive.
func NewProvider(cfg json.RawMessage, opts filter.Options) (*Provider, error) {
	c := Config{MaxCommandLength: defaultMaxCommandLength}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, fmt.Errorf("parsing redis config: %w", err)
		}
	}
	if c.MaxCommandLength <= 0 {
		c.MaxCommandLength = defaultMaxCommandLength
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	logCommands := true
	if c.LogCommands != nil {
		logCommands = *c.LogCommands
	}

	blocked := make(map[string]struct{}, len(c.BlockedCommands))
	for _, name := range c.BlockedCommands {
		blocked[strings.ToUpper(name)] = struct{}{}
	}

	if c.CommandRate < 0 {
		return nil, fmt.Errorf("%w: command_rate must not be negative, got %d", perrors.ErrInvalidConfig, c.CommandRate)
	}
	var limiter *ratelimit.Limiter
	if c.CommandRate > 0 {
		burst := c.CommandBurst
		if burst <= 0 {
			burst = c.CommandRate
		}
		limiter = ratelimit.NewLimiter(burst, c.CommandRate, 0)
	}

	return &Provider{
		blocked:     blocked,
		logCommands: logCommands,
		maxLen:      c.MaxCommandLength,
		limiter:     limiter,
		opts:        opts,
	}, nil
}

// Kind implements filter.Provider.
func (p *Provider) Kind() string { return Kind }

// New implements filter.Provider.
func (p *Provider) New() filter.Filter {
	return &commandFilter{p: p}
}

// Blocked reports whether a command name is on the deny list.
func (p *Provider) Blocked(name string) bool {
	_, ok := p.blocked[strings.ToUpper(name)]
	return ok
}

// commandFilter decodes each delivery independently: bytes left undecoded
// at the end of one delivery are not carried into the next.
type commandFilter struct {
	filter.Noop
	p *Provider
}

func (f *commandFilter) OnData(ctx context.Context, conn *filter.Conn, segs [][]byte) filter.Decision {
	p := f.p

	total := 0
	for _, seg := range segs {
		total += len(seg)
	}
	if total > p.maxLen {
		p.opts.Logger.Info("redis delivery exceeds max command length",
			slog.String("session_id", conn.SessionID),
			slog.Int("length", total),
			slog.Int("max", p.maxLen))
		f.parseError()
		return filter.RespondWith(resp.ErrorReply("command too long"))
	}

	data := make([]byte, 0, total)
	for _, seg := range segs {
		data = append(data, seg...)
	}

	cmds, err := resp.Commands(data)
	if err != nil {
		p.opts.Logger.Debug("redis parse error",
			slog.String("session_id", conn.SessionID),
			slog.Any("error", err))
		f.parseError()
		return filter.Pass
	}

	for _, cmd := range cmds {
		if m := p.opts.Metrics; m != nil {
			m.RedisCommands.WithLabelValues(p.opts.Listener).Inc()
		}
		if p.limiter != nil && !p.limiter.Allow(clientKey(conn.RemoteAddr)) {
			p.opts.Logger.Info("redis command rate limit exceeded",
				slog.String("session_id", conn.SessionID),
				slog.String("remote_addr", conn.RemoteAddr))
			if m := p.opts.Metrics; m != nil {
				m.RateLimited.WithLabelValues(p.opts.Listener).Inc()
			}
			return filter.RespondWith(resp.ErrorReply("rate limit exceeded"))
		}
		if p.logCommands {
			p.opts.Logger.Debug("redis command",
				slog.String("session_id", conn.SessionID),
				slog.String("command", cmd.Name),
				slog.String("args", previewArgs(cmd.Args)))
		}
		if p.Blocked(cmd.Name) {
			p.opts.Logger.Info("blocked redis command",
				slog.String("session_id", conn.SessionID),
				slog.String("command", cmd.Name))
			if m := p.opts.Metrics; m != nil {
				m.RedisCommandsBlocked.WithLabelValues(p.opts.Listener).Inc()
			}
			return filter.RespondWith(resp.ErrorReply(
				fmt.Sprintf("command '%s' is not allowed", cmd.Name)))
		}
	}
	return filter.Pass
}

func (f *commandFilter) parseError() {
	if m := f.p.opts.Metrics; m != nil {
		m.ParseErrors.WithLabelValues(f.p.opts.Listener, "redis").Inc()
	}
}

// clientKey buckets rate limiting by client host, so parallel
// connections from one client share a bucket.
func clientKey(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// previewArgs renders at most the first three arguments for log lines.
func previewArgs(args [][]byte) string {
	n := len(args)
	if n > 3 {
		n = 3
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = string(args[i])
	}
	return strings.Join(parts, " ")
}
