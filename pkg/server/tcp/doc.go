// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the filtering TCP listener for edgemux.
//
// # Overview
//
// The server accepts connections, runs each through a per-connection
// filter chain, and proxies admitted traffic to an upstream picked by
// the chain. It supports TLS termination, connection caps, graceful
// shutdown, and upstream pooling behind a circuit breaker.
//
// # Architecture
//
//	┌─────────┐         ┌──────────┐         ┌──────────┐
//	│ Client  │ ←─TCP─→ │ Listener │ ←─TCP─→ │ Upstream │
//	└─────────┘         └──────────┘         └──────────┘
//	                         ↓
//	                 ┌───────────────┐
//	                 │ Filter chain  │  ipaccess → tlsdetect →
//	                 └───────────────┘  sniroute → redis → ...
//	                         ↓
//	                 ┌───────────────┐
//	                 │ breaker/pool  │
//	                 └───────────────┘
//
// # Connection Flow
//
//  1. Accept; reserve a slot on the connection limiter
//  2. Run every filter's OnAccept (address admission)
//  3. Inspection phase: withhold client bytes while any filter answers
//     NeedMoreData (TLS ClientHello accumulation), bounded by
//     MaxInspectBytes and InspectTimeout
//  4. Resolve the upstream: the cluster routed by the chain, or the
//     listener's default target
//  5. Dial through the per-upstream circuit breaker and connection pool,
//     replay the withheld bytes
//  6. Stream both directions through the chain until either side closes
//  7. Run every filter's OnClose exactly once
//
// # Filter Decisions
//
// On each delivery the chain is walked in order. Continue forwards the
// bytes; Route records the upstream cluster and keeps walking;
// NeedMoreData withholds the delivery; Respond writes the filter's
// payload to the client and drops the delivery; Close ends the
// connection.
//
// A listener with no TargetAddress and no routed cluster runs in sink
// mode: the chain answers everything (echo listeners).
//
// # Graceful Shutdown
//
// When the context is cancelled the listener stops accepting, active
// connections drain, and after ShutdownTimeout the rest are forced
// closed and ErrShutdownTimeout is returned.
package tcp
