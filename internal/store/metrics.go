package store

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// objectsWritten counts records newly stored, by backend and kind.
	objectsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_store_objects_written_total",
		Help: "Records newly written to the backend by kind",
	}, []string{"backend", "kind"})

	// bytesWritten counts payload bytes newly stored.
	bytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_store_bytes_written_total",
		Help: "Payload bytes newly written to the backend by kind",
	}, []string{"backend", "kind"})

	// headSwaps counts head pointer swaps by result (ok, conflict, error).
	headSwaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_store_head_swaps_total",
		Help: "Head pointer swap attempts by result",
	}, []string{"backend", "result"})

	// cacheLookups counts object cache lookups by result (hit, miss).
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_store_cache_lookups_total",
		Help: "Object cache lookups by result",
	}, []string{"result"})
)

// ObserveWrite records a newly stored object. Backends call it only when the
// object did not exist before.
func ObserveWrite(backend string, kind Kind, size int) {
	objectsWritten.WithLabelValues(backend, string(kind)).Inc()
	bytesWritten.WithLabelValues(backend, string(kind)).Add(float64(size))
}

// ObserveSwap records the outcome of a SwapHeads call.
func ObserveSwap(backend string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrConcurrentWrite):
		result = "conflict"
	default:
		result = "error"
	}
	headSwaps.WithLabelValues(backend, result).Inc()
}
