// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlsinspect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/edgemux/edgemux/pkg/filter"
	tlsparser "github.com/edgemux/edgemux/pkg/parser/tls"
)

// KindRoute is the registered kind of the SNI routing filter.
const KindRoute = "sniroute"

const defaultMaxReadBytes = 1024

func init() {
	filter.Register(KindRoute, func(cfg json.RawMessage, opts filter.Options) (filter.Provider, error) {
		return NewRouterProvider(cfg, opts)
	})
}

// RouterConfig is the router's JSON configuration.
type RouterConfig struct {
	DefaultServerName string            `json:"default_server_name"`
	DomainMappings    map[string]string `json:"domain_mappings"`
	RejectUnknown     bool              `json:"reject_unknown"`
	MaxReadBytes      int               `json:"max_read_bytes"`
}

// RouterProvider holds the routing table shared read-only by every
// connection.
type RouterProvider struct {
	defaultServerName string
	mappings          map[string]string
	rejectUnknown     bool
	maxReadBytes      int
	opts              filter.Options
}

var _ filter.Provider = (*RouterProvider)(nil)

// NewRouterProvider parses and validates the router configuration.
func NewRouterProvider(cfg json.RawMessage, opts filter.Options) (*RouterProvider, error) {
	c := RouterConfig{MaxReadBytes: defaultMaxReadBytes}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, fmt.Errorf("parsing sniroute config: %w", err)
		}
	}
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = defaultMaxReadBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &RouterProvider{
		defaultServerName: c.DefaultServerName,
		mappings:          c.DomainMappings,
		rejectUnknown:     c.RejectUnknown,
		maxReadBytes:      c.MaxReadBytes,
		opts:              opts,
	}, nil
}

// Kind implements filter.Provider.
func (p *RouterProvider) Kind() string { return KindRoute }

// New implements filter.Provider.
func (p *RouterProvider) New() filter.Filter {
	return &routerFilter{p: p}
}

// LookupCluster resolves a server name against the mapping table: exact
// matches win, then wildcard entries of the form "*.example.com". A
// wildcard requires a subdomain, so "*.example.com" matches
// "api.example.com" but not "example.com" itself.
func (p *RouterProvider) LookupCluster(serverName string) (string, bool) {
	if cluster, ok := p.mappings[serverName]; ok {
		return cluster, true
	}
	for domain, cluster := range p.mappings {
		if !strings.HasPrefix(domain, "*.") {
			continue
		}
		suffix := domain[1:]
		if strings.HasSuffix(serverName, suffix) && len(serverName) > len(suffix) {
			return cluster, true
		}
	}
	return "", false
}

// routerFilter buffers the first client bytes until the ClientHello can
// be evaluated, then routes once and goes quiet.
type routerFilter struct {
	filter.Noop
	p    *RouterProvider
	buf  []byte
	done bool
}

func (f *routerFilter) OnData(ctx context.Context, conn *filter.Conn, segs [][]byte) filter.Decision {
	if f.done {
		return filter.Pass
	}

	for _, seg := range segs {
		if len(f.buf) >= f.p.maxReadBytes {
			break
		}
		f.buf = append(f.buf, seg...)
	}

	res := tlsparser.Detect(f.buf, f.p.maxReadBytes)
	switch res.Kind {
	case tlsparser.NeedMoreData:
		if len(f.buf) >= f.p.maxReadBytes {
			f.done = true
			return filter.Pass
		}
		return filter.More

	case tlsparser.NotTLS:
		// Routing only applies to TLS; anything else goes to the
		// listener's default upstream.
		f.done = true
		return filter.Pass

	default:
		return f.route(conn, res.SNI)
	}
}

func (f *routerFilter) route(conn *filter.Conn, sni string) filter.Decision {
	f.done = true
	f.buf = nil
	log := f.p.opts.Logger

	if sni == "" {
		if f.p.defaultServerName != "" {
			sni = f.p.defaultServerName
		} else if f.p.rejectUnknown {
			f.miss()
			log.Warn("rejecting connection without server name",
				slog.String("session_id", conn.SessionID))
			return filter.CloseWith("missing server name")
		} else {
			f.miss()
			return filter.Pass
		}
	}

	if cluster, ok := f.p.LookupCluster(sni); ok {
		if m := f.p.opts.Metrics; m != nil {
			m.SNIRouteMatch.WithLabelValues(f.p.opts.Listener).Inc()
		}
		log.Debug("routing by server name",
			slog.String("session_id", conn.SessionID),
			slog.String("sni", sni),
			slog.String("cluster", cluster))
		return filter.RouteTo(cluster)
	}

	f.miss()
	if f.p.rejectUnknown {
		log.Warn("rejecting connection with unmapped server name",
			slog.String("session_id", conn.SessionID),
			slog.String("sni", sni))
		return filter.CloseWith(fmt.Sprintf("unknown server name: %s", sni))
	}
	return filter.Pass
}

func (f *routerFilter) miss() {
	if m := f.p.opts.Metrics; m != nil {
		m.SNIRouteMisses.WithLabelValues(f.p.opts.Listener).Inc()
	}
}
