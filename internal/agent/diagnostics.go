package agent

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/rpc"
)

// DiagnosticsHandler answers get_diagnostics with facts about the agent process.
type DiagnosticsHandler struct {
	Version string
	Started time.Time
}

func (h DiagnosticsHandler) HandleMessage(_ context.Context, input rpc.GuestInput) (any, bool, error) {
	if input.MethodName != "get_diagnostics" {
		return nil, false, nil
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	diag := map[string]any{
		"version":    h.Version,
		"pid":        os.Getpid(),
		"goroutines": runtime.NumGoroutine(),
		"threads":    runtime.GOMAXPROCS(0),
		"heap_alloc": mem.HeapAlloc,
		"sys":        mem.Sys,
		"num_gc":     mem.NumGC,
	}
	if !h.Started.IsZero() {
		diag["uptime_seconds"] = int64(time.Since(h.Started).Seconds())
	}
	return diag, true, nil
}
