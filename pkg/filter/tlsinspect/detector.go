// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlsinspect inspects the first bytes of a connection for a TLS
// ClientHello. It provides two filters built on the same ClientHello
// parser: a detector that records the negotiated protocol facts on the
// connection, and a router that picks an upstream cluster from the
// server name.
package tlsinspect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	perrors "github.com/edgemux/edgemux/pkg/errors"
	"github.com/edgemux/edgemux/pkg/filter"
	tlsparser "github.com/edgemux/edgemux/pkg/parser/tls"
)

// KindDetect is the registered kind of the protocol detector filter.
const KindDetect = "tlsdetect"

const (
	defaultMinBytes = 5
	defaultMaxBytes = 1024
)

func init() {
	filter.Register(KindDetect, func(cfg json.RawMessage, opts filter.Options) (filter.Provider, error) {
		return NewDetectorProvider(cfg, opts)
	})
}

// DetectorConfig is the detector's JSON configuration.
type DetectorConfig struct {
	MinBytes    int   `json:"min_bytes"`
	MaxBytes    int   `json:"max_bytes"`
	ExtractSNI  *bool `json:"extract_sni"`
	ExtractALPN *bool `json:"extract_alpn"`
}

// DetectorProvider holds the detector settings shared by all connections.
type DetectorProvider struct {
	minBytes    int
	maxBytes    int
	extractSNI  bool
	extractALPN bool
	opts        filter.Options
}

var _ filter.Provider = (*DetectorProvider)(nil)

// NewDetectorProvider parses and validates the detector configuration.
func NewDetectorProvider(cfg json.RawMessage, opts filter.Options) (*DetectorProvider, error) {
	c := DetectorConfig{MinBytes: defaultMinBytes, MaxBytes: defaultMaxBytes}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, fmt.Errorf("parsing tlsdetect config: %w", err)
		}
	}
	if c.MinBytes <= 0 {
		c.MinBytes = defaultMinBytes
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
	if c.MinBytes > c.MaxBytes {
		return nil, fmt.Errorf("%w: min_bytes %d exceeds max_bytes %d", perrors.ErrInvalidConfig, c.MinBytes, c.MaxBytes)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	extractSNI, extractALPN := true, true
	if c.ExtractSNI != nil {
		extractSNI = *c.ExtractSNI
	}
	if c.ExtractALPN != nil {
		extractALPN = *c.ExtractALPN
	}

	return &DetectorProvider{
		minBytes:    c.MinBytes,
		maxBytes:    c.MaxBytes,
		extractSNI:  extractSNI,
		extractALPN: extractALPN,
		opts:        opts,
	}, nil
}

// Kind implements filter.Provider.
func (p *DetectorProvider) Kind() string { return KindDetect }

// New implements filter.Provider.
func (p *DetectorProvider) New() filter.Filter {
	return &detectorFilter{p: p}
}

// detectorFilter accumulates the first client bytes until a verdict is
// reached, then stays out of the way for the rest of the connection.
type detectorFilter struct {
	filter.Noop
	p    *DetectorProvider
	buf  []byte
	done bool
}

func (f *detectorFilter) OnData(ctx context.Context, conn *filter.Conn, segs [][]byte) filter.Decision {
	if f.done {
		return filter.Pass
	}

	// Segments are borrowed; the inspection window keeps its own copy.
	for _, seg := range segs {
		if len(f.buf) >= f.p.maxBytes {
			break
		}
		f.buf = append(f.buf, seg...)
	}
	if len(f.buf) < f.p.minBytes {
		return filter.More
	}

	res := tlsparser.Detect(f.buf, f.p.maxBytes)
	switch res.Kind {
	case tlsparser.NeedMoreData:
		if len(f.buf) >= f.p.maxBytes {
			// The window filled up without a verdict; stop inspecting.
			f.finish(conn, "not_tls")
			return filter.Pass
		}
		return filter.More

	case tlsparser.NotTLS:
		f.finish(conn, "not_tls")
		return filter.Pass

	default:
		conn.Protocol = "tls"
		sni := res.SNI
		alpn := res.ALPN
		if !f.p.extractSNI {
			sni = ""
		}
		if !f.p.extractALPN {
			alpn = nil
		}
		f.p.opts.Logger.Debug("tls client hello detected",
			slog.String("session_id", conn.SessionID),
			slog.String("sni", sni),
			slog.String("alpn", strings.Join(alpn, ",")))
		f.finish(conn, "tls")
		return filter.Pass
	}
}

func (f *detectorFilter) finish(conn *filter.Conn, result string) {
	f.done = true
	f.buf = nil
	if m := f.p.opts.Metrics; m != nil {
		m.TLSDetections.WithLabelValues(f.p.opts.Listener, result).Inc()
	}
}
