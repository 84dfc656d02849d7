// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import "context"

// Conn carries per-connection metadata shared by every filter on the
// chain. Filters may update Protocol and Cluster as they learn more about
// the connection.
type Conn struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// RemoteAddr is the client's network address (host:port)
	RemoteAddr string

	// LocalAddr is the listener's network address
	LocalAddr string

	// Protocol is the detected wire protocol, if any (tls, redis, http, ...)
	Protocol string

	// Cluster is the upstream target chosen by a routing filter, if any
	Cluster string
}

// Action selects the Decision variant.
type Action int

const (
	// Continue lets the delivery proceed unchanged.
	Continue Action = iota

	// NeedMoreData asks the transport to buffer and redeliver once more
	// bytes have arrived. Only meaningful before the connection is routed.
	NeedMoreData

	// Route directs the connection to the named upstream cluster.
	Route

	// Respond writes Payload back to the client and drops the delivery;
	// the connection stays open.
	Respond

	// Close terminates the connection with Reason.
	Close
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case NeedMoreData:
		return "need_more_data"
	case Route:
		return "route"
	case Respond:
		return "respond"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one filter callback, consumed by the
// transport to continue, route, reply, or close.
type Decision struct {
	Action  Action
	Cluster string // Route
	Payload []byte // Respond
	Reason  string // Close
}

// Pass is the zero Decision: continue processing.
var Pass = Decision{Action: Continue}

// RouteTo returns a routing decision for the named cluster.
func RouteTo(cluster string) Decision {
	return Decision{Action: Route, Cluster: cluster}
}

// RespondWith returns a reply decision carrying payload.
func RespondWith(payload []byte) Decision {
	return Decision{Action: Respond, Payload: payload}
}

// CloseWith returns a close decision with the given reason.
func CloseWith(reason string) Decision {
	return Decision{Action: Close, Reason: reason}
}

// More asks the transport for more bytes before deciding.
var More = Decision{Action: NeedMoreData}

// Filter inspects connection events for a single connection. The
// transport invokes the callbacks synchronously, in byte-arrival order,
// on the connection's own goroutine; implementations must not block or
// perform I/O.
//
// OnData and OnWrite receive the delivered bytes as borrowed segments:
// they are valid only for the duration of the call and must be copied if
// retained.
type Filter interface {
	// OnAccept runs once when the connection is accepted, before any
	// bytes arrive.
	OnAccept(ctx context.Context, conn *Conn) Decision

	// OnData runs for each client-to-upstream delivery.
	OnData(ctx context.Context, conn *Conn, segs [][]byte) Decision

	// OnWrite runs for each upstream-to-client delivery.
	OnWrite(ctx context.Context, conn *Conn, segs [][]byte) Decision

	// OnClose runs exactly once when the connection ends, on both the
	// normal and the abnormal teardown path.
	OnClose(conn *Conn)
}

// Provider builds one Filter instance per connection. The provider owns
// the configuration parsed at construction time (rule lists, blocked
// command sets); those are shared read-only across all of its instances.
type Provider interface {
	// Kind is the registered filter kind (ipaccess, sniroute, redis, ...).
	Kind() string

	// New returns the per-connection filter instance.
	New() Filter
}

// Noop is a Filter that lets everything through. Filters that only care
// about some callbacks embed it.
type Noop struct{}

var _ Filter = (*Noop)(nil)

func (Noop) OnAccept(ctx context.Context, conn *Conn) Decision { return Pass }

func (Noop) OnData(ctx context.Context, conn *Conn, segs [][]byte) Decision { return Pass }

func (Noop) OnWrite(ctx context.Context, conn *Conn, segs [][]byte) Decision { return Pass }

func (Noop) OnClose(conn *Conn) {}
