// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package filter defines the capability model connecting byte inspection
// to connection decisions.
//
// # Architecture Overview
//
// Filters are the decision-making components in edgemux. The transport
// layer (pkg/server/tcp) delivers connection events to an ordered chain
// of filters; each filter inspects the event and returns a Decision the
// transport executes: continue, buffer more bytes, route to a cluster,
// reply to the client, or close.
//
// # Two-level construction
//
// Configuration is parsed once, into a Provider, when the chain is built;
// each accepted connection then gets its own Filter instance from every
// provider. Provider state (rule lists, blocked command sets, compiled
// patterns) is read-only after construction and safely shared across
// connections; Filter state is per-connection and never shared.
//
// The set of filter kinds is closed and selected from configuration:
//
//	[
//	  {"kind": "ipaccess", "config": {"mode": "blocklist", "addresses": ["10.0.0.0/8"]}},
//	  {"kind": "sniroute", "config": {"domain_mappings": {"*.example.com": "wildcard-cluster"}}},
//	  {"kind": "redis",    "config": {"blocked_commands": ["FLUSHALL"]}}
//	]
//
// Each kind registers itself from its package's init function, so a
// deployment imports exactly the kinds it uses.
//
// # Event order
//
// For one connection the transport guarantees: OnAccept once, then
// OnData/OnWrite in byte-arrival order, then OnClose exactly once, on
// the normal close path and on every abnormal teardown path alike.
// Callbacks are synchronous and must not block; all decisions are pure
// computations over the delivered bytes.
package filter
