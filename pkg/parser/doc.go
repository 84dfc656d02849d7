// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser provides the shared primitives for inspecting raw,
// attacker-influenced byte streams.
//
// # Architecture Overview
//
// Parsers are the core byte-inspection components in edgemux. They sit
// between the transport layer (the TCP server) and the decision layer
// (filters), turning unaligned, possibly truncated byte deliveries into
// structured protocol facts without ever reading out of bounds.
//
// The package itself holds the Cursor primitive. Protocol decoders live in
// subpackages:
//   - parser/tls: TLS ClientHello detection and SNI/ALPN extraction
//   - parser/resp: Redis RESP value and command decoding
//   - parser/segio: sequential reads over scattered byte segments
//
// # Cursor
//
// Cursor is a read position over a single byte slice. Every read checks the
// remaining length first and reports failure instead of panicking, so a
// decoder walking attacker-controlled length fields can never slice past
// the buffer. A failed read leaves the position unchanged.
//
// All decoders distinguish three outcomes: not enough data yet, not the
// expected protocol, and structurally malformed. None of them treat a
// short buffer as an error.
package parser
