// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlsinspect

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"

	"github.com/edgemux/edgemux/pkg/filter"
)

// clientHello assembles a minimal well-formed ClientHello record carrying
// the given SNI.
func clientHello(t *testing.T, sni string) []byte {
	t.Helper()

	var exts bytes.Buffer
	if sni != "" {
		var p bytes.Buffer
		binary.Write(&p, binary.BigEndian, uint16(len(sni)+3))
		p.WriteByte(0x00)
		binary.Write(&p, binary.BigEndian, uint16(len(sni)))
		p.WriteString(sni)

		binary.Write(&exts, binary.BigEndian, uint16(0x0000))
		binary.Write(&exts, binary.BigEndian, uint16(p.Len()))
		exts.Write(p.Bytes())
	}

	var body bytes.Buffer
	body.Write([]byte{0x03, 0x03})
	body.Write(make([]byte, 32))
	body.WriteByte(0)
	body.Write([]byte{0x00, 0x02, 0x13, 0x01})
	body.Write([]byte{0x01, 0x00})
	binary.Write(&body, binary.BigEndian, uint16(exts.Len()))
	body.Write(exts.Bytes())

	var hs bytes.Buffer
	hs.WriteByte(0x01)
	hsLen := body.Len()
	hs.Write([]byte{byte(hsLen >> 16), byte(hsLen >> 8), byte(hsLen)})
	hs.Write(body.Bytes())

	var rec bytes.Buffer
	rec.Write([]byte{0x16, 0x03, 0x01})
	binary.Write(&rec, binary.BigEndian, uint16(hs.Len()))
	rec.Write(hs.Bytes())

	return rec.Bytes()
}

func TestDetectorMarksProtocol(t *testing.T) {
	p, err := NewDetectorProvider(nil, filter.Options{})
	if err != nil {
		t.Fatalf("NewDetectorProvider: %v", err)
	}
	f := p.New()
	conn := &filter.Conn{SessionID: "s1", RemoteAddr: "10.0.0.1:5000"}

	d := f.OnData(context.Background(), conn, [][]byte{clientHello(t, "example.com")})
	if d.Action != filter.Continue {
		t.Fatalf("decision = %v, want Continue", d.Action)
	}
	if conn.Protocol != "tls" {
		t.Errorf("Protocol = %q, want %q", conn.Protocol, "tls")
	}
}

func TestDetectorNonTLSPassesThrough(t *testing.T) {
	p, err := NewDetectorProvider(nil, filter.Options{})
	if err != nil {
		t.Fatalf("NewDetectorProvider: %v", err)
	}
	f := p.New()
	conn := &filter.Conn{SessionID: "s1"}

	d := f.OnData(context.Background(), conn, [][]byte{[]byte("GET / HTTP/1.1\r\n")})
	if d.Action != filter.Continue {
		t.Fatalf("decision = %v, want Continue", d.Action)
	}
	if conn.Protocol != "" {
		t.Errorf("Protocol = %q, want empty", conn.Protocol)
	}
}

func TestDetectorAccumulatesAcrossDeliveries(t *testing.T) {
	p, err := NewDetectorProvider(nil, filter.Options{})
	if err != nil {
		t.Fatalf("NewDetectorProvider: %v", err)
	}
	f := p.New()
	conn := &filter.Conn{SessionID: "s1"}
	hello := clientHello(t, "example.com")

	d := f.OnData(context.Background(), conn, [][]byte{hello[:3]})
	if d.Action != filter.NeedMoreData {
		t.Fatalf("partial decision = %v, want NeedMoreData", d.Action)
	}
	d = f.OnData(context.Background(), conn, [][]byte{hello[3:]})
	if d.Action != filter.Continue {
		t.Fatalf("completed decision = %v, want Continue", d.Action)
	}
	if conn.Protocol != "tls" {
		t.Errorf("Protocol = %q, want %q", conn.Protocol, "tls")
	}
}

func TestDetectorConfigValidation(t *testing.T) {
	if _, err := NewDetectorProvider(json.RawMessage(`{"min_bytes": 100, "max_bytes": 10}`), filter.Options{}); err == nil {
		t.Error("min_bytes > max_bytes accepted, want error")
	}
	if _, err := NewDetectorProvider(json.RawMessage(`not json`), filter.Options{}); err == nil {
		t.Error("malformed config accepted, want error")
	}
}

func routerProvider(t *testing.T, cfg string) *RouterProvider {
	t.Helper()
	p, err := NewRouterProvider(json.RawMessage(cfg), filter.Options{})
	if err != nil {
		t.Fatalf("NewRouterProvider(%s): %v", cfg, err)
	}
	return p
}

func TestLookupCluster(t *testing.T) {
	p := routerProvider(t, `{"domain_mappings": {
		"api.example.com": "api-cluster",
		"*.example.com": "wildcard-cluster"
	}}`)

	tests := []struct {
		sni     string
		cluster string
		ok      bool
	}{
		// Exact match wins over the wildcard.
		{"api.example.com", "api-cluster", true},
		// Wildcard requires a subdomain.
		{"web.example.com", "wildcard-cluster", true},
		{"example.com", "", false},
		{"other.org", "", false},
	}
	for _, tt := range tests {
		cluster, ok := p.LookupCluster(tt.sni)
		if ok != tt.ok || cluster != tt.cluster {
			t.Errorf("LookupCluster(%q) = %q, %v; want %q, %v", tt.sni, cluster, ok, tt.cluster, tt.ok)
		}
	}
}

func TestRouterRoutesMappedSNI(t *testing.T) {
	p := routerProvider(t, `{"domain_mappings": {"api.example.com": "api-cluster"}}`)
	f := p.New()
	conn := &filter.Conn{SessionID: "s1"}

	d := f.OnData(context.Background(), conn, [][]byte{clientHello(t, "api.example.com")})
	if d.Action != filter.Route {
		t.Fatalf("decision = %v, want Route", d.Action)
	}
	if d.Cluster != "api-cluster" {
		t.Errorf("Cluster = %q, want %q", d.Cluster, "api-cluster")
	}

	// Later deliveries are no longer inspected.
	d = f.OnData(context.Background(), conn, [][]byte{[]byte("app data")})
	if d.Action != filter.Continue {
		t.Errorf("post-route decision = %v, want Continue", d.Action)
	}
}

func TestRouterUnmappedSNIPassesByDefault(t *testing.T) {
	p := routerProvider(t, `{"domain_mappings": {"api.example.com": "api-cluster"}}`)
	f := p.New()

	d := f.OnData(context.Background(), &filter.Conn{}, [][]byte{clientHello(t, "other.org")})
	if d.Action != filter.Continue {
		t.Errorf("decision = %v, want Continue", d.Action)
	}
}

func TestRouterRejectUnknown(t *testing.T) {
	p := routerProvider(t, `{"domain_mappings": {"api.example.com": "api-cluster"}, "reject_unknown": true}`)

	d := p.New().OnData(context.Background(), &filter.Conn{}, [][]byte{clientHello(t, "other.org")})
	if d.Action != filter.Close {
		t.Fatalf("unmapped decision = %v, want Close", d.Action)
	}
	if !strings.Contains(d.Reason, "other.org") {
		t.Errorf("Reason = %q, want the server name included", d.Reason)
	}

	// Missing SNI with no default is also rejected.
	d = p.New().OnData(context.Background(), &filter.Conn{}, [][]byte{clientHello(t, "")})
	if d.Action != filter.Close {
		t.Errorf("missing-sni decision = %v, want Close", d.Action)
	}
}

func TestRouterDefaultServerName(t *testing.T) {
	p := routerProvider(t, `{
		"default_server_name": "fallback.example.com",
		"domain_mappings": {"*.example.com": "wildcard-cluster"}
	}`)

	d := p.New().OnData(context.Background(), &filter.Conn{}, [][]byte{clientHello(t, "")})
	if d.Action != filter.Route {
		t.Fatalf("decision = %v, want Route", d.Action)
	}
	if d.Cluster != "wildcard-cluster" {
		t.Errorf("Cluster = %q, want %q", d.Cluster, "wildcard-cluster")
	}
}

func TestRouterNonTLSPassesThrough(t *testing.T) {
	p := routerProvider(t, `{"domain_mappings": {"api.example.com": "api-cluster"}, "reject_unknown": true}`)

	d := p.New().OnData(context.Background(), &filter.Conn{}, [][]byte{[]byte("PING\r\n")})
	if d.Action != filter.Continue {
		t.Errorf("decision = %v, want Continue", d.Action)
	}
}

func TestRouterAccumulatesAcrossDeliveries(t *testing.T) {
	p := routerProvider(t, `{"domain_mappings": {"api.example.com": "api-cluster"}}`)
	f := p.New()
	hello := clientHello(t, "api.example.com")

	d := f.OnData(context.Background(), &filter.Conn{}, [][]byte{hello[:4]})
	if d.Action != filter.NeedMoreData {
		t.Fatalf("partial decision = %v, want NeedMoreData", d.Action)
	}
	d = f.OnData(context.Background(), &filter.Conn{}, [][]byte{hello[4:]})
	if d.Action != filter.Route {
		t.Fatalf("completed decision = %v, want Route", d.Action)
	}
}
