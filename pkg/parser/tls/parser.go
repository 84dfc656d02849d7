// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls implements incremental TLS ClientHello inspection.
//
// The parser looks at the first bytes of a connection and decides whether
// they begin a TLS handshake record, and if the record carries a
// ClientHello, extracts the Server Name Indication and ALPN protocol list
// from its extensions. It operates on whatever prefix of the stream has
// arrived so far: a buffer too short to classify yields NeedMoreData,
// while a classified-but-truncated ClientHello yields the best available
// result rather than an error. Malformed extension tables stop the walk
// early; they never panic and never read past the delivered bytes.
package tls

import (
	"unicode/utf8"

	"github.com/edgemux/edgemux/pkg/parser"
)

// TLS wire constants.
const (
	contentTypeHandshake = 0x16
	versionMajor         = 0x03
	handshakeClientHello = 0x01

	extServerName = 0x0000
	extALPN       = 0x0010

	sniNameTypeHostname = 0x00
)

// minClientHelloLen is the smallest buffer that can hold the fixed
// ClientHello fields up to the start of the variable-length tables.
const minClientHelloLen = 43

// ResultKind classifies one Detect call.
type ResultKind int

const (
	// NeedMoreData means the buffer is too short to classify; the caller
	// should retry with more bytes.
	NeedMoreData ResultKind = iota

	// NotTLS means the bytes do not begin a TLS handshake record.
	NotTLS

	// Detected means the bytes begin a TLS handshake record. SNI and ALPN
	// are populated when the record is a ClientHello and the fields were
	// present and parseable within the delivered bytes.
	Detected
)

func (k ResultKind) String() string {
	switch k {
	case NeedMoreData:
		return "need_more_data"
	case NotTLS:
		return "not_tls"
	case Detected:
		return "detected"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Detect call. Exactly one kind per call.
type Result struct {
	Kind ResultKind

	// SNI is the server name from the server_name extension, empty when
	// absent or not valid UTF-8.
	SNI string

	// ALPN lists the protocols from the ALPN extension in wire order.
	// Entries that are not valid UTF-8 are skipped.
	ALPN []string
}

// Detect classifies up to maxBytes of the start of a connection.
//
// Once the record and handshake type checks pass, a short buffer degrades
// to an empty Detected result: absent downstream fields are a normal
// outcome at that point, not incompleteness.
func Detect(data []byte, maxBytes int) Result {
	if len(data) < 6 {
		return Result{Kind: NeedMoreData}
	}
	if data[0] != contentTypeHandshake || data[1] != versionMajor || data[2] > 0x03 {
		return Result{Kind: NotTLS}
	}
	// TLS, but not a ClientHello: nothing to extract.
	if data[5] != handshakeClientHello {
		return Result{Kind: Detected}
	}

	if maxBytes > 0 && len(data) > maxBytes {
		data = data[:maxBytes]
	}

	sni, alpn := parseClientHello(data)
	return Result{Kind: Detected, SNI: sni, ALPN: alpn}
}

// parseClientHello walks the fixed ClientHello fields and the extension
// table. Every length field is checked against the actual remaining
// buffer before use; a short buffer short-circuits the walk and returns
// whatever was extracted so far.
func parseClientHello(data []byte) (sni string, alpn []string) {
	if len(data) < minClientHelloLen {
		return "", nil
	}

	c := parser.NewCursor(data)

	// Record header (5) + handshake type and length (4), then the client
	// version (2) and random (32).
	if !c.Skip(5 + 4 + 2 + 32) {
		return "", nil
	}

	sessionIDLen, ok := c.Uint8()
	if !ok || !c.Skip(int(sessionIDLen)) {
		return "", nil
	}

	cipherSuitesLen, ok := c.Uint16()
	if !ok || !c.Skip(int(cipherSuitesLen)) {
		return "", nil
	}

	compressionLen, ok := c.Uint8()
	if !ok || !c.Skip(int(compressionLen)) {
		return "", nil
	}

	extensionsLen, ok := c.Uint16()
	if !ok {
		return "", nil
	}
	extensionsEnd := c.Pos() + int(extensionsLen)

	for c.Pos()+4 <= extensionsEnd && c.Has(4) {
		extType, _ := c.Uint16()
		extLen16, _ := c.Uint16()
		extLen := int(extLen16)

		// A declared length running past the extension table or the
		// buffer stops the walk; what was extracted so far still counts.
		if c.Pos()+extLen > extensionsEnd || !c.Has(extLen) {
			break
		}
		payload, _ := c.Bytes(extLen)

		switch extType {
		case extServerName:
			if s, ok := parseSNI(payload); ok {
				sni = s
			}
		case extALPN:
			alpn = parseALPN(payload)
		}
	}

	return sni, alpn
}

// parseSNI extracts the hostname from a server_name extension payload:
// list length (2), name type (1), name length (2), name bytes.
func parseSNI(payload []byte) (string, bool) {
	c := parser.NewCursor(payload)
	if !c.Skip(2) {
		return "", false
	}

	nameType, ok := c.Uint8()
	if !ok || nameType != sniNameTypeHostname {
		return "", false
	}

	nameLen, ok := c.Uint16()
	if !ok {
		return "", false
	}
	name, ok := c.Bytes(int(nameLen))
	if !ok || !utf8.Valid(name) {
		return "", false
	}
	return string(name), true
}

// parseALPN extracts protocol names from an ALPN extension payload: list
// length (2), then repeated length-prefixed entries until the payload is
// consumed. Entries that are not valid UTF-8 are skipped.
func parseALPN(payload []byte) []string {
	c := parser.NewCursor(payload)
	if !c.Skip(2) {
		return nil
	}

	var protocols []string
	for c.Remaining() > 0 {
		protoLen, ok := c.Uint8()
		if !ok {
			break
		}
		proto, ok := c.Bytes(int(protoLen))
		if !ok {
			break
		}
		if utf8.Valid(proto) {
			protocols = append(protocols, string(proto))
		}
	}
	return protocols
}
