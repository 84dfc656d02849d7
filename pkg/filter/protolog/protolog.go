// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protolog logs connection traffic for debugging: a best-effort
// protocol guess from the first client bytes, a bounded hex+ASCII dump of
// the first delivery in each direction, and byte totals at teardown.
package protolog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/edgemux/edgemux/pkg/filter"
)

// Kind is the registered filter kind.
const Kind = "protolog"

const defaultMaxLogBytes = 1024

func init() {
	filter.Register(Kind, func(cfg json.RawMessage, opts filter.Options) (filter.Provider, error) {
		return NewProvider(cfg, opts)
	})
}

// Config is the filter's JSON configuration.
type Config struct {
	LogRequest     *bool `json:"log_request"`
	LogResponse    *bool `json:"log_response"`
	MaxLogBytes    int   `json:"max_log_bytes"`
	DetectProtocol *bool `json:"detect_protocol"`
}

// Provider holds the logging settings.
type Provider struct {
	logRequest  bool
	logResponse bool
	maxLogBytes int
	detect      bool
	opts        filter.Options
}

var _ filter.Provider = (*Provider)(nil)

// NewProvider parses the configuration; everything defaults to on.
func NewProvider(cfg json.RawMessage, opts filter.Options) (*Provider, error) {
	c := Config{MaxLogBytes: defaultMaxLogBytes}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, fmt.Errorf("parsing protolog config: %w", err)
		}
	}
	if c.MaxLogBytes <= 0 {
		c.MaxLogBytes = defaultMaxLogBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	boolOr := func(v *bool, def bool) bool {
		if v != nil {
			return *v
		}
		return def
	}

	return &Provider{
		logRequest:  boolOr(c.LogRequest, true),
		logResponse: boolOr(c.LogResponse, true),
		maxLogBytes: c.MaxLogBytes,
		detect:      boolOr(c.DetectProtocol, true),
		opts:        opts,
	}, nil
}

// Kind implements filter.Provider.
func (p *Provider) Kind() string { return Kind }

// New implements filter.Provider.
func (p *Provider) New() filter.Filter {
	return &logFilter{p: p}
}

// DetectProtocol guesses the wire protocol from the first bytes of a
// connection.
func DetectProtocol(data []byte) string {
	if len(data) < 2 {
		return "unknown"
	}
	if data[0] == 0x16 && data[1] == 0x03 {
		return "tls"
	}
	for _, method := range []string{"GET ", "POST ", "PUT ", "DELETE ", "HEAD "} {
		if strings.HasPrefix(string(data), method) {
			return "http"
		}
	}
	if data[0] == '*' {
		for _, b := range data {
			if b == '\r' {
				return "redis"
			}
		}
	}
	// MySQL server greeting: protocol version 10 after the 4-byte packet
	// header.
	if len(data) >= 5 && data[4] == 0x0a {
		return "mysql"
	}
	return "unknown"
}

// FormatDump renders a bounded hex+ASCII dump of data for log lines.
func FormatDump(data []byte, maxBytes int) string {
	shown := data
	if len(data) > maxBytes {
		shown = data[:maxBytes]
	}

	var hex strings.Builder
	var ascii strings.Builder
	for i, b := range shown {
		if i > 0 {
			hex.WriteByte(' ')
		}
		fmt.Fprintf(&hex, "%02x", b)
		if b >= 0x21 && b <= 0x7e || b == ' ' {
			ascii.WriteByte(b)
		} else {
			ascii.WriteByte('.')
		}
	}

	if len(data) > maxBytes {
		return fmt.Sprintf("[%d bytes, showing first %d] HEX: %s ASCII: %s",
			len(data), maxBytes, hex.String(), ascii.String())
	}
	return fmt.Sprintf("[%d bytes] HEX: %s ASCII: %s", len(data), hex.String(), ascii.String())
}

type logFilter struct {
	filter.Noop
	p *Provider

	requestLogged  bool
	responseLogged bool
	requestBytes   uint64
	responseBytes  uint64
}

func (f *logFilter) OnAccept(ctx context.Context, conn *filter.Conn) filter.Decision {
	f.p.opts.Logger.Info("new connection",
		slog.String("session_id", conn.SessionID),
		slog.String("remote", conn.RemoteAddr),
		slog.String("local", conn.LocalAddr))
	return filter.Pass
}

func (f *logFilter) OnData(ctx context.Context, conn *filter.Conn, segs [][]byte) filter.Decision {
	data := flatten(segs)
	f.requestBytes += uint64(len(data))

	if !f.requestLogged {
		f.requestLogged = true
		if f.p.detect && conn.Protocol == "" {
			conn.Protocol = DetectProtocol(data)
		}
		if f.p.logRequest {
			f.p.opts.Logger.Info("first client delivery",
				slog.String("session_id", conn.SessionID),
				slog.String("protocol", conn.Protocol),
				slog.String("dump", FormatDump(data, f.p.maxLogBytes)))
		}
	}
	return filter.Pass
}

func (f *logFilter) OnWrite(ctx context.Context, conn *filter.Conn, segs [][]byte) filter.Decision {
	data := flatten(segs)
	f.responseBytes += uint64(len(data))

	if !f.responseLogged {
		f.responseLogged = true
		if f.p.logResponse {
			f.p.opts.Logger.Info("first upstream delivery",
				slog.String("session_id", conn.SessionID),
				slog.String("dump", FormatDump(data, f.p.maxLogBytes)))
		}
	}
	return filter.Pass
}

func (f *logFilter) OnClose(conn *filter.Conn) {
	f.p.opts.Logger.Info("connection closed",
		slog.String("session_id", conn.SessionID),
		slog.String("protocol", conn.Protocol),
		slog.Uint64("request_bytes", f.requestBytes),
		slog.Uint64("response_bytes", f.responseBytes))
}

func flatten(segs [][]byte) []byte {
	if len(segs) == 1 {
		return segs[0]
	}
	total := 0
	for _, seg := range segs {
		total += len(seg)
	}
	out := make([]byte, 0, total)
	for _, seg := range segs {
		out = append(out, seg...)
	}
	return out
}
