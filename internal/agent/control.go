package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pipetrace/agent/internal/pipeline"
	"github.com/pipetrace/agent/internal/state"
)

// Info is the payload of /api/v1/info, consumed by the `pipetrace info`
// command.
type Info struct {
	Status       string          `json:"status"`
	PipelineName string          `json:"pipeline_name,omitempty"`
	RunID        string          `json:"run_id,omitempty"`
	Environment  string          `json:"environment,omitempty"`
	UserOperator string          `json:"user_operator,omitempty"`
	PipelineType string          `json:"pipeline_type,omitempty"`
	BootID       string          `json:"boot_id"`
	UptimeS      float64         `json:"uptime_s"`
	LastEventID  uint64          `json:"last_event_id"`
	Processes    state.Stats     `json:"processes"`
	ActiveRuns   []RunInfo       `json:"active_runs"`
	Batches      uint64          `json:"trigger_batches"`
	DeadLetters  int             `json:"dead_letters"`
	SpillDepth   int             `json:"spill_depth"`
	PendingEmits int             `json:"pending_emits"`
}

// RunInfo is one active pipeline run.
type RunInfo struct {
	PipelineID string `json:"pipeline_id"`
	RunID      string `json:"run_id"`
}

// Snapshot assembles the current agent state for the info endpoint.
func (a *Agent) Snapshot() Info {
	info := Info{
		Status:       "ok",
		PipelineName: a.identity.PipelineName,
		RunID:        a.identity.RunID,
		Environment:  a.identity.Environment,
		UserOperator: a.identity.UserOperator,
		PipelineType: a.identity.PipelineType,
		BootID:       a.agentCtx.BootID,
		UptimeS:      a.agentCtx.Clock.Now().Sub(a.startTime).Seconds(),
		LastEventID:  a.agentCtx.LastEventID(),
		Processes:    a.store.Stats(),
		Batches:      a.router.Batches(),
		DeadLetters:  len(a.emitter.DeadLetters()),
		PendingEmits: a.emitter.Pending(),
	}
	if a.spill != nil {
		info.SpillDepth = a.spill.Depth()
	}
	for _, ref := range runRefs(a.matcher) {
		info.ActiveRuns = append(info.ActiveRuns, RunInfo{
			PipelineID: ref.PipelineID,
			RunID:      ref.RunID,
		})
	}
	return info
}

func runRefs(m *pipeline.Matcher) []pipeline.TaskRef {
	if m == nil {
		return nil
	}
	return m.ActiveRuns()
}

// newControlServer builds the loopback control API.
//
// Route layout:
//
//	GET  /healthz          – liveness probe
//	GET  /metrics          – Prometheus counters
//	GET  /api/v1/info      – agent snapshot (Info)
//	POST /api/v1/terminate – graceful shutdown
func (a *Agent) newControlServer() *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/metrics", promhttp.HandlerFor(a.met.Registry, promhttp.HandlerOpts{}).ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/info", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(a.Snapshot()); err != nil {
				a.logger.Warn("control: encode info", slog.Any("error", err))
			}
		})

		r.Post("/terminate", func(w http.ResponseWriter, _ *http.Request) {
			a.logger.Info("terminate requested via control API")
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"status":"terminating"}`))
			// Cancel after the response is on the wire.
			go a.terminate()
		})
	})

	return &http.Server{
		Addr:         a.cfg.ControlAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// serveControl runs the control listener as a scheduler task and shuts it
// down with the group.
func (a *Agent) serveControl(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("control API listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
