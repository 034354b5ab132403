package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/monitoring"
	"github.com/sells-group/starschema-etl/internal/store"
	"github.com/sells-group/starschema-etl/internal/vertical"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run history and vertical definitions over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg, err := vertical.NewRegistry(cfg.Verticals.Dir)
		if err != nil {
			return eris.Wrap(err, "load verticals")
		}

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           newRouter(st, reg, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// runReader is the part of the store the API reads.
type runReader interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error)
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	GetQualityReport(ctx context.Context, runID string) (json.RawMessage, error)
	Stats(ctx context.Context, since time.Time) (*store.RunStats, error)
}

// newRouter builds the read-only API.
func newRouter(runs runReader, reg *vertical.Registry, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			filter, err := parseRunFilter(req)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			list, err := runs.ListRuns(req.Context(), filter)
			if err != nil {
				serverError(w, req, err)
				return
			}
			if list == nil {
				list = []model.PipelineRun{}
			}
			writeJSON(w, http.StatusOK, list)
		})

		r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
			since := 24 * time.Hour
			if s := req.URL.Query().Get("since"); s != "" {
				d, err := time.ParseDuration(s)
				if err != nil || d < 0 {
					writeError(w, http.StatusBadRequest, "invalid since duration")
					return
				}
				since = d
			}
			var cutoff time.Time
			if since > 0 {
				cutoff = time.Now().UTC().Add(-since)
			}
			stats, err := runs.Stats(req.Context(), cutoff)
			if err != nil {
				serverError(w, req, err)
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})

		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			run, err := runs.GetRun(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				notFoundOr500(w, req, err)
				return
			}
			writeJSON(w, http.StatusOK, run)
		})

		r.Get("/{id}/quality", func(w http.ResponseWriter, req *http.Request) {
			report, err := runs.GetQualityReport(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				notFoundOr500(w, req, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(report)
		})
	})

	r.Get("/verticals", func(w http.ResponseWriter, _ *http.Request) {
		type item struct {
			Name        string `json:"name"`
			Description string `json:"description,omitempty"`
			Source      string `json:"source"`
		}
		entries := reg.List()
		out := make([]item, 0, len(entries))
		for _, e := range entries {
			out = append(out, item{Name: e.Vertical.Name, Description: e.Vertical.Description, Source: e.Source})
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/verticals/{name}", func(w http.ResponseWriter, req *http.Request) {
		v, err := reg.Get(chi.URLParam(req, "name"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, v)
	})

	return r
}

func parseRunFilter(req *http.Request) (store.RunFilter, error) {
	q := req.URL.Query()
	f := store.RunFilter{
		Status:   model.RunStatus(q.Get("status")),
		Vertical: q.Get("vertical"),
		Limit:    50,
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		s := q.Get(name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, eris.Errorf("invalid %s %q", name, s)
		}
		*dst = n
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, eris.Errorf("invalid since %q (want RFC 3339)", s)
		}
		f.Since = t
	}
	return f, nil
}

func notFoundOr500(w http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	serverError(w, req, err)
}

func serverError(w http.ResponseWriter, req *http.Request, err error) {
	zap.L().Error("api request failed",
		zap.String("path", req.URL.Path),
		zap.String("request_id", middleware.GetReqID(req.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
