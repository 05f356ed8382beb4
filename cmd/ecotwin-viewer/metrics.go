package main

import (
	"fmt"
	"net/http"

	"ecotwin.ai/internal/cache"
	"ecotwin.ai/internal/persistence/r2s3"
)

type sessionCounter interface{ Active() int64 }

type droppedCounter interface{ Dropped() uint64 }

// metricsHandler writes a minimal Prometheus exposition.
func metricsHandler(sessions sessionCounter, tensors *cache.TensorCache, idx droppedCounter, mirror *r2s3.Mirror) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(rw, "# HELP ecotwin_viewer_sessions Open playback sessions.\n")
		fmt.Fprintf(rw, "# TYPE ecotwin_viewer_sessions gauge\n")
		fmt.Fprintf(rw, "ecotwin_viewer_sessions %d\n", sessions.Active())

		st := tensors.Stats()
		fmt.Fprintf(rw, "# HELP ecotwin_tensor_cache_requests Tensor cache lookups by outcome.\n")
		fmt.Fprintf(rw, "# TYPE ecotwin_tensor_cache_requests counter\n")
		fmt.Fprintf(rw, "ecotwin_tensor_cache_requests{outcome=%q} %d\n", "hit", st.Hits)
		fmt.Fprintf(rw, "ecotwin_tensor_cache_requests{outcome=%q} %d\n", "miss", st.Misses)

		fmt.Fprintf(rw, "# HELP ecotwin_tensor_cache_bytes Decoded payload bytes held.\n")
		fmt.Fprintf(rw, "# TYPE ecotwin_tensor_cache_bytes gauge\n")
		fmt.Fprintf(rw, "ecotwin_tensor_cache_bytes %d\n", st.CostBytes)

		fmt.Fprintf(rw, "# HELP ecotwin_index_dropped_writes Result metadata writes dropped by a full queue.\n")
		fmt.Fprintf(rw, "# TYPE ecotwin_index_dropped_writes counter\n")
		fmt.Fprintf(rw, "ecotwin_index_dropped_writes %d\n", idx.Dropped())

		writeMirrorMetrics(rw, mirror)
	}
}

func writeMirrorMetrics(rw http.ResponseWriter, mirror *r2s3.Mirror) {
	if mirror == nil {
		return
	}
	s := mirror.Stats()
	fmt.Fprintf(rw, "# HELP ecotwin_mirror_queue_depth Files waiting to be mirrored.\n")
	fmt.Fprintf(rw, "# TYPE ecotwin_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "ecotwin_mirror_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP ecotwin_mirror_files Mirrored files by outcome.\n")
	fmt.Fprintf(rw, "# TYPE ecotwin_mirror_files counter\n")
	fmt.Fprintf(rw, "ecotwin_mirror_files{outcome=%q} %d\n", "uploaded", s.UploadSuccessTotal)
	fmt.Fprintf(rw, "ecotwin_mirror_files{outcome=%q} %d\n", "failed", s.UploadFailTotal)
	fmt.Fprintf(rw, "ecotwin_mirror_files{outcome=%q} %d\n", "dropped", s.DroppedTotal)

	fmt.Fprintf(rw, "# HELP ecotwin_mirror_last_success_unix Last successful upload time.\n")
	fmt.Fprintf(rw, "# TYPE ecotwin_mirror_last_success_unix gauge\n")
	fmt.Fprintf(rw, "ecotwin_mirror_last_success_unix %d\n", s.LastSuccessUnix)
}
