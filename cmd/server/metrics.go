package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tickbatch.ai/internal/sim/loop"
)

type snapshotter interface {
	Snapshot(ctx context.Context) (loop.Snapshot, error)
}

// metricsHandler serves the loop counters in Prometheus text format.
func metricsHandler(worldID string, l snapshotter, clients func() int) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		s, err := l.Snapshot(ctx)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		b := s.Batch
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		gauge(rw, "tickbatch_tick", "Current loop tick.", worldID, s.Tick)
		gauge(rw, "tickbatch_queued", "Entities queued for the next flush.", worldID, b.Queued)
		gauge(rw, "tickbatch_buffer_capacity_bytes", "Encode buffer capacity.", worldID, b.BufferCapacity)
		gauge(rw, "tickbatch_last_frame_bytes", "Size of the last emitted frame.", worldID, b.LastBytes)
		counter(rw, "tickbatch_flushes_total", "Flushes that emitted a frame.", worldID, b.Flushes)
		counter(rw, "tickbatch_emitted_total", "Entity records emitted.", worldID, b.Emitted)
		counter(rw, "tickbatch_dropped_total", "Entity updates dropped by overflow.", worldID, b.Dropped)
		if clients != nil {
			gauge(rw, "tickbatch_ws_clients", "Connected websocket clients.", worldID, clients())
		}

		fmt.Fprintf(rw, "# HELP tickbatch_pool_free Free objects per pool.\n")
		fmt.Fprintf(rw, "# TYPE tickbatch_pool_free gauge\n")
		fmt.Fprintf(rw, "tickbatch_pool_free{world=%q,pool=%q} %d\n", worldID, "entries", b.Entries.Free)
		fmt.Fprintf(rw, "tickbatch_pool_free{world=%q,pool=%q} %d\n", worldID, "positions", b.Positions.Free)
		fmt.Fprintf(rw, "tickbatch_pool_free{world=%q,pool=%q} %d\n", worldID, "rotations", b.Rotations.Free)
		fmt.Fprintf(rw, "tickbatch_pool_free{world=%q,pool=%q} %d\n", worldID, "healths", b.Healths.Free)
	}
}

func gauge[T int | uint64](rw http.ResponseWriter, name, help, worldID string, v T) {
	fmt.Fprintf(rw, "# HELP %s %s\n# TYPE %s gauge\n%s{world=%q} %d\n", name, help, name, name, worldID, v)
}

func counter[T int | uint64](rw http.ResponseWriter, name, help, worldID string, v T) {
	fmt.Fprintf(rw, "# HELP %s %s\n# TYPE %s counter\n%s{world=%q} %d\n", name, help, name, name, worldID, v)
}
