// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/edgemux/edgemux/pkg/filter"
)

func provider(t *testing.T, cfg string) *Provider {
	t.Helper()
	p, err := NewProvider(json.RawMessage(cfg), filter.Options{})
	if err != nil {
		t.Fatalf("NewProvider(%s): %v", cfg, err)
	}
	return p
}

func command(parts ...string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(parts))
	for _, p := range parts {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(p), p)
	}
	return []byte(b.String())
}

func TestAllowedCommandPasses(t *testing.T) {
	p := provider(t, `{"blocked_commands": ["FLUSHALL"]}`)

	d := p.New().OnData(context.Background(), &filter.Conn{}, [][]byte{command("GET", "key")})
	if d.Action != filter.Continue {
		t.Errorf("decision = %v, want Continue", d.Action)
	}
}

func TestBlockedCommandAnswered(t *testing.T) {
	p := provider(t, `{"blocked_commands": ["FLUSHALL", "DEBUG"]}`)

	d := p.New().OnData(context.Background(), &filter.Conn{}, [][]byte{command("FLUSHALL")})
	if d.Action != filter.Respond {
		t.Fatalf("decision = %v, want Respond", d.Action)
	}
	want := "-ERR command 'FLUSHALL' is not allowed\r\n"
	if string(d.Payload) != want {
		t.Errorf("payload = %q, want %q", d.Payload, want)
	}
}

func TestBlockedCommandCaseInsensitive(t *testing.T) {
	p := provider(t, `{"blocked_commands": ["flushall"]}`)

	d := p.New().OnData(context.Background(), &filter.Conn{}, [][]byte{command("FlushAll")})
	if d.Action != filter.Respond {
		t.Errorf("decision = %v, want Respond", d.Action)
	}
}

func TestPipelinedDeliveryStopsAtBlocked(t *testing.T) {
	p := provider(t, `{"blocked_commands": ["DEL"]}`)

	data := append(command("PING"), command("DEL", "key")...)
	d := p.New().OnData(context.Background(), &filter.Conn{}, [][]byte{data})
	if d.Action != filter.Respond {
		t.Fatalf("decision = %v, want Respond", d.Action)
	}
	if !strings.Contains(string(d.Payload), "'DEL'") {
		t.Errorf("payload = %q, want the blocked command named", d.Payload)
	}
}

func TestOversizedDeliveryRejected(t *testing.T) {
	p := provider(t, `{"max_command_length": 16}`)

	big := command("SET", "key", strings.Repeat("x", 64))
	d := p.New().OnData(context.Background(), &filter.Conn{}, [][]byte{big})
	if d.Action != filter.Respond {
		t.Fatalf("decision = %v, want Respond", d.Action)
	}
	if want := "-ERR command too long\r\n"; string(d.Payload) != want {
		t.Errorf("payload = %q, want %q", d.Payload, want)
	}
}

func TestMalformedDeliveryPasses(t *testing.T) {
	p := provider(t, `{"blocked_commands": ["FLUSHALL"]}`)

	d := p.New().OnData(context.Background(), &filter.Conn{}, [][]byte{[]byte("not resp at all\r\n*bad")})
	if d.Action != filter.Continue {
		t.Errorf("decision = %v, want Continue", d.Action)
	}
}

func TestPartialDeliveryPasses(t *testing.T) {
	p := provider(t, `{"blocked_commands": ["DEL"]}`)
	f := p.New()
	data := command("DEL", "key")

	// A delivery with only a prefix decodes no commands and is not
	// reassembled against the next delivery.
	d := f.OnData(context.Background(), &filter.Conn{}, [][]byte{data[:len(data)-4]})
	if d.Action != filter.Continue {
		t.Errorf("partial decision = %v, want Continue", d.Action)
	}
}

func TestSegmentedDeliveryDecoded(t *testing.T) {
	p := provider(t, `{"blocked_commands": ["DEL"]}`)
	data := command("DEL", "key")

	d := p.New().OnData(context.Background(), &filter.Conn{}, [][]byte{data[:5], data[5:]})
	if d.Action != filter.Respond {
		t.Errorf("segmented decision = %v, want Respond", d.Action)
	}
}

func TestConfigDefaults(t *testing.T) {
	p := provider(t, `{}`)
	if p.maxLen != defaultMaxCommandLength {
		t.Errorf("maxLen = %d, want %d", p.maxLen, defaultMaxCommandLength)
	}
	if !p.logCommands {
		t.Error("logCommands = false, want true by default")
	}
	if p.Blocked("FLUSHALL") {
		t.Error("empty deny list blocked a command")
	}
	if p.limiter != nil {
		t.Error("limiter created without command_rate")
	}
}

func TestCommandRateLimit(t *testing.T) {
	p := provider(t, `{"command_rate": 1, "command_burst": 2}`)
	f := p.New()
	conn := &filter.Conn{RemoteAddr: "10.0.0.9:51000"}

	for i := 0; i < 2; i++ {
		d := f.OnData(context.Background(), conn, [][]byte{command("PING")})
		if d.Action != filter.Continue {
			t.Fatalf("command %d: decision = %v, want Continue", i, d.Action)
		}
	}
	d := f.OnData(context.Background(), conn, [][]byte{command("PING")})
	if d.Action != filter.Respond {
		t.Fatalf("over burst: decision = %v, want Respond", d.Action)
	}
	if string(d.Payload) != "-ERR rate limit exceeded\r\n" {
		t.Errorf("payload = %q", d.Payload)
	}

	// Parallel connections from one host share the bucket.
	other := &filter.Conn{RemoteAddr: "10.0.0.9:51001"}
	if d := p.New().OnData(context.Background(), other, [][]byte{command("PING")}); d.Action != filter.Respond {
		t.Errorf("same host, new port: decision = %v, want Respond", d.Action)
	}
	fresh := &filter.Conn{RemoteAddr: "10.0.0.10:51000"}
	if d := p.New().OnData(context.Background(), fresh, [][]byte{command("PING")}); d.Action != filter.Continue {
		t.Errorf("distinct host: decision = %v, want Continue", d.Action)
	}
}

func TestNegativeCommandRateRejected(t *testing.T) {
	if _, err := NewProvider(json.RawMessage(`{"command_rate": -1}`), filter.Options{}); err == nil {
		t.Error("expected error for negative command_rate")
	}
}
