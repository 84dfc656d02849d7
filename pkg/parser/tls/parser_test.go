// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

// buildClientHello assembles a minimal but well-formed ClientHello record
// carrying the given SNI and ALPN entries. Raw ALPN entries are appended
// verbatim so tests can inject invalid UTF-8.
func buildClientHello(t *testing.T, sni string, alpn [][]byte) []byte {
	t.Helper()

	var exts bytes.Buffer
	if sni != "" {
		var p bytes.Buffer
		binary.Write(&p, binary.BigEndian, uint16(len(sni)+3)) // server name list length
		p.WriteByte(0x00)                                      // name type: hostname
		binary.Write(&p, binary.BigEndian, uint16(len(sni)))
		p.WriteString(sni)

		binary.Write(&exts, binary.BigEndian, uint16(0x0000))
		binary.Write(&exts, binary.BigEndian, uint16(p.Len()))
		exts.Write(p.Bytes())
	}
	if len(alpn) > 0 {
		var list bytes.Buffer
		for _, proto := range alpn {
			list.WriteByte(byte(len(proto)))
			list.Write(proto)
		}
		var p bytes.Buffer
		binary.Write(&p, binary.BigEndian, uint16(list.Len()))
		p.Write(list.Bytes())

		binary.Write(&exts, binary.BigEndian, uint16(0x0010))
		binary.Write(&exts, binary.BigEndian, uint16(p.Len()))
		exts.Write(p.Bytes())
	}

	var body bytes.Buffer
	body.Write([]byte{0x03, 0x03})          // client version
	body.Write(make([]byte, 32))            // random
	body.WriteByte(0)                       // session id length
	body.Write([]byte{0x00, 0x02, 0x13, 0x01}) // cipher suites
	body.Write([]byte{0x01, 0x00})          // compression methods
	binary.Write(&body, binary.BigEndian, uint16(exts.Len()))
	body.Write(exts.Bytes())

	var hs bytes.Buffer
	hs.WriteByte(0x01) // ClientHello
	hsLen := body.Len()
	hs.Write([]byte{byte(hsLen >> 16), byte(hsLen >> 8), byte(hsLen)})
	hs.Write(body.Bytes())

	var rec bytes.Buffer
	rec.Write([]byte{0x16, 0x03, 0x01})
	binary.Write(&rec, binary.BigEndian, uint16(hs.Len()))
	rec.Write(hs.Bytes())

	return rec.Bytes()
}

func TestDetectExtractsSNIAndALPN(t *testing.T) {
	data := buildClientHello(t, "example.com", [][]byte{[]byte("h2"), []byte("http/1.1")})

	res := Detect(data, 1024)
	if res.Kind != Detected {
		t.Fatalf("Kind = %v, want Detected", res.Kind)
	}
	if res.SNI != "example.com" {
		t.Errorf("SNI = %q, want %q", res.SNI, "example.com")
	}
	if want := []string{"h2", "http/1.1"}; !reflect.DeepEqual(res.ALPN, want) {
		t.Errorf("ALPN = %v, want %v", res.ALPN, want)
	}
}

func TestDetectNeedMoreData(t *testing.T) {
	for n := 0; n < 6; n++ {
		res := Detect(make([]byte, n), 1024)
		if res.Kind != NeedMoreData {
			t.Errorf("Detect(%d bytes).Kind = %v, want NeedMoreData", n, res.Kind)
		}
	}
}

func TestDetectNotTLS(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"http", []byte("GET / HTTP/1.1\r\n")},
		{"wrong major version", []byte{0x16, 0x02, 0x01, 0x00, 0x05, 0x01}},
		{"future minor version", []byte{0x16, 0x03, 0x04, 0x00, 0x05, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := Detect(tt.data, 1024); res.Kind != NotTLS {
				t.Errorf("Kind = %v, want NotTLS", res.Kind)
			}
		})
	}
}

func TestDetectTLSButNotClientHello(t *testing.T) {
	// Handshake record whose message type is ServerHello (0x02).
	data := []byte{0x16, 0x03, 0x01, 0x00, 0x40, 0x02}

	res := Detect(data, 1024)
	if res.Kind != Detected {
		t.Fatalf("Kind = %v, want Detected", res.Kind)
	}
	if res.SNI != "" || len(res.ALPN) != 0 {
		t.Errorf("got SNI=%q ALPN=%v, want empty", res.SNI, res.ALPN)
	}
}

func TestDetectShortClientHelloDegradesToEmptyDetection(t *testing.T) {
	// Passes the record and handshake type checks but ends before the
	// fixed fields: still Detected, never NeedMoreData.
	data := []byte{0x16, 0x03, 0x01, 0x01, 0x00, 0x01, 0x00, 0x00}

	res := Detect(data, 1024)
	if res.Kind != Detected {
		t.Fatalf("Kind = %v, want Detected", res.Kind)
	}
	if res.SNI != "" || len(res.ALPN) != 0 {
		t.Errorf("got SNI=%q ALPN=%v, want empty", res.SNI, res.ALPN)
	}
}

func TestDetectTruncatedAtEveryLength(t *testing.T) {
	full := buildClientHello(t, "example.com", [][]byte{[]byte("h2")})

	// No prefix of a valid ClientHello may panic or read out of bounds,
	// and every prefix past the type checks still classifies as TLS.
	for n := 6; n < len(full); n++ {
		res := Detect(full[:n], 1024)
		if res.Kind != Detected {
			t.Fatalf("Detect(%d-byte prefix).Kind = %v, want Detected", n, res.Kind)
		}
	}
}

func TestDetectInvalidUTF8SNIIsAbsent(t *testing.T) {
	data := buildClientHello(t, "exam\xffple", nil)

	res := Detect(data, 1024)
	if res.Kind != Detected {
		t.Fatalf("Kind = %v, want Detected", res.Kind)
	}
	if res.SNI != "" {
		t.Errorf("SNI = %q, want empty for invalid UTF-8", res.SNI)
	}
}

func TestDetectInvalidUTF8ALPNEntrySkipped(t *testing.T) {
	data := buildClientHello(t, "example.com", [][]byte{{0xff, 0xfe}, []byte("h2")})

	res := Detect(data, 1024)
	if want := []string{"h2"}; !reflect.DeepEqual(res.ALPN, want) {
		t.Errorf("ALPN = %v, want %v", res.ALPN, want)
	}
}

func TestDetectOversizedExtensionLengthStopsWalk(t *testing.T) {
	data := buildClientHello(t, "", nil)

	// Append an extension whose declared length runs past the buffer.
	ext := []byte{0x00, 0x00, 0xff, 0xff, 0x00}
	data = append(data, ext...)
	// Fix up the extensions length to cover the bogus entry.
	extLenOff := 5 + 4 + 2 + 32 + 1 + 4 + 2
	binary.BigEndian.PutUint16(data[extLenOff:], uint16(len(data)-extLenOff-2))

	res := Detect(data, 1024)
	if res.Kind != Detected {
		t.Fatalf("Kind = %v, want Detected", res.Kind)
	}
	if res.SNI != "" {
		t.Errorf("SNI = %q, want empty", res.SNI)
	}
}

func TestDetectRespectsMaxBytes(t *testing.T) {
	data := buildClientHello(t, "example.com", nil)

	// Capping the inspection window below the SNI extension still
	// detects TLS, just without the extension data.
	res := Detect(data, 48)
	if res.Kind != Detected {
		t.Fatalf("Kind = %v, want Detected", res.Kind)
	}
	if res.SNI != "" {
		t.Errorf("SNI = %q, want empty under a short window", res.SNI)
	}
}
