// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/runnerguard/internal/buildinfo"
	"github.com/terrpan/runnerguard/internal/reconcile"
)

// CycleReporter exposes the most recent reconciliation cycle.
type CycleReporter interface {
	LastCycleSummary() *reconcile.CycleSummary
}

// LastCycle summarizes the most recent reconciliation cycle.
type LastCycle struct {
	ID         string    `json:"id"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  bool      `json:"succeeded"`
	Checked    int       `json:"checked"`
	Errors     int       `json:"errors"`
}

// Response represents the health check response body.
type Response struct {
	Status       string     `json:"status"`
	ServiceName  string     `json:"service_name"`
	Version      string     `json:"version"`
	Commit       string     `json:"commit"`
	BuildTime    string     `json:"build_time"`
	GoVersion    string     `json:"go_version"`
	OS           string     `json:"os"`
	Architecture string     `json:"architecture"`
	Launcher     string     `json:"launcher"`
	LastCycle    *LastCycle `json:"last_cycle,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Handler responds to health check requests. It reports build info, the
// configured launcher and, when cycles is non-nil and a cycle has run, the
// last reconciliation cycle. The status is always "healthy" (200 OK): this
// is a liveness check, and a failing cycle does not make the process
// unhealthy.
func Handler(launcher string, cycles CycleReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "runnerguard",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Launcher:     launcher,
			Timestamp:    time.Now().UTC(),
		}

		if cycles != nil {
			if last := cycles.LastCycleSummary(); last != nil {
				response.LastCycle = &LastCycle{
					ID:         last.ID,
					FinishedAt: last.FinishedAt,
					Succeeded:  last.Succeeded(),
					Checked:    last.Checked,
					Errors:     last.Errors,
				}
			}
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
