// Package metrics registers the runtime gauges and counters for the
// routing and net subsystems, in the style of go-ethereum's
// bucketEntriesGauge/bucketReplacementsGauge (p2p/discover/table.go),
// backed by github.com/rcrowley/go-metrics.
package metrics

import "github.com/rcrowley/go-metrics"

var Registry = metrics.NewRegistry()

var (
	// KnownNodesGauge tracks routingmeta.node_list() size.
	KnownNodesGauge = metrics.NewRegisteredGauge("routing/nodes", Registry)
	// ActiveRangesGauge tracks the number of live ranges (buckets).
	ActiveRangesGauge = metrics.NewRegisteredGauge("routing/ranges", Registry)
	// BadNodeCounter counts nodes transitioning to the bad liveness class.
	BadNodeCounter = metrics.NewRegisteredCounter("routing/bad_nodes", Registry)

	// OutstandingGauge tracks the number of in-flight RPCs in net.
	OutstandingGauge = metrics.NewRegisteredGauge("net/outstanding", Registry)
	// TagRetryCounter counts tag-allocation retries.
	TagRetryCounter = metrics.NewRegisteredCounter("net/tag_retries", Registry)
	// TagExhaustedCounter counts tag_exhausted failures.
	TagExhaustedCounter = metrics.NewRegisteredCounter("net/tag_exhausted", Registry)
	// TimeoutCounter counts requests that timed out (pang/error(timeout)).
	TimeoutCounter = metrics.NewRegisteredCounter("net/timeouts", Registry)
	// TokenRotationCounter counts token queue rotations.
	TokenRotationCounter = metrics.NewRegisteredCounter("net/token_rotations", Registry)
	// DecodeFailureCounter counts inbound datagrams dropped for
	// failing to decode.
	DecodeFailureCounter = metrics.NewRegisteredCounter("net/decode_failures", Registry)
	// UnsolicitedCounter counts inbound response/error messages with no
	// matching outstanding entry.
	UnsolicitedCounter = metrics.NewRegisteredCounter("net/unsolicited", Registry)
)
