// Package metrics holds shared prometheus label sets and bucket
// definitions so every component vector is consistent, mirroring
// internal/staging/stage/metrics.go in the teacher.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// TableLabels is applied to every metric keyed by target table name.
var TableLabels = []string{"table"}

// PeerLabels is applied to every metric keyed by remote peer name.
var PeerLabels = []string{"peer"}

// SubscriptionLabels is applied to hub metrics keyed by subscription kind.
var SubscriptionLabels = []string{"kind"}

// LatencyBuckets is the shared histogram bucket layout for latency-ish
// measurements across the engine.
var LatencyBuckets = prometheus.ExponentialBuckets(0.001, 2, 16)
