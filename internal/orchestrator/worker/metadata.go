package worker

import (
	"os/exec"
	"strconv"
	"strings"
)

// Metadata is a worker's sampled resource usage. The engine's session-state
// snapshot does not include it. Not required by any spec invariant —
// an enrichment over the teacher's per-instance resource sampling.
type Metadata struct {
	CPUPercent float64
	MemMB      float64
	Valid      bool
}

// CollectMetadata samples CPU%/RSS for the worker's pane process tree via
// pgrep/ps, mirroring Instance.collectResourceUsage. Best-effort: any
// failure along the way yields Valid=false rather than an error, since
// resource sampling is cosmetic and must never block a tick.
func (w *Worker) CollectMetadata() Metadata {
	if w.Target == "" {
		return Metadata{}
	}

	pid, err := w.adapter.GetPanePID(w.Target)
	if err != nil {
		return Metadata{}
	}

	targetPID := strconv.Itoa(pid)
	if childOut, err := exec.Command("pgrep", "-P", targetPID).Output(); err == nil {
		if children := strings.Fields(strings.TrimSpace(string(childOut))); len(children) > 0 {
			targetPID = children[0]
		}
	}

	out, err := exec.Command("ps", "-o", "%cpu=,rss=", "-p", targetPID).Output()
	if err != nil {
		return Metadata{}
	}

	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) < 2 {
		return Metadata{}
	}
	cpu, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Metadata{}
	}
	rssKB, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Metadata{}
	}
	return Metadata{CPUPercent: cpu, MemMB: rssKB / 1024, Valid: true}
}
