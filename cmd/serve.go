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
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/monitoring"
	"github.com/cardvault/revalue/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the revaluation trigger server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		// Expired registry claims are reaped in the background so a crashed
		// execution cannot block its card past the TTL.
		go func() {
			ticker := time.NewTicker(cfg.Engine.SweepInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := env.Registry.Sweep(); n > 0 {
						zap.L().Info("swept expired registry claims", zap.Int("count", n))
					}
				}
			}
		}()

		// Background health checks alert on failure rate, DLQ depth, and
		// tripped circuits.
		collector := monitoring.NewCollector(env.Store, env.Breakers)
		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		r := newRouter(env, collector)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// triggerBody is the POST /revalue request payload. Meta is optional; blank
// identity fields are backfilled from OCR output.
type triggerBody struct {
	UserID       string   `json:"user_id"`
	CardID       string   `json:"card_id"`
	ImageRefs    []string `json:"image_refs"`
	RequestID    string   `json:"request_id"`
	ForceRefresh bool     `json:"force_refresh,omitempty"`
	Meta         struct {
		Name     string `json:"name,omitempty"`
		SetName  string `json:"set_name,omitempty"`
		Number   string `json:"number,omitempty"`
		Language string `json:"language,omitempty"`
	} `json:"meta"`
}

func newRouter(env *engineEnv, collector *monitoring.Collector) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/revalue", func(w http.ResponseWriter, req *http.Request) {
		var body triggerBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if body.RequestID == "" {
			body.RequestID = uuid.New().String()
		}

		res, err := env.Orchestrator.Trigger(req.Context(), model.RevaluationRequest{
			UserID:       body.UserID,
			CardID:       body.CardID,
			ImageRefs:    body.ImageRefs,
			RequestID:    body.RequestID,
			ForceRefresh: body.ForceRefresh,
		}, model.CardMeta{
			CardID:   body.CardID,
			UserID:   body.UserID,
			Name:     body.Meta.Name,
			SetName:  body.Meta.SetName,
			Number:   body.Meta.Number,
			Language: body.Meta.Language,
		})
		if err != nil {
			if errors.Is(err, model.ErrValidation) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "trigger failed"})
			return
		}

		// Duplicate triggers get the in-flight execution instead of a new one.
		// Duplicates are accepted too: the caller gets the in-flight
		// execution's ID and polls the same way.
		writeJSON(w, http.StatusAccepted, res)
	})

	r.Get("/executions/{id}", func(w http.ResponseWriter, req *http.Request) {
		exec, err := env.Store.GetExecution(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
			return
		}
		writeJSON(w, http.StatusOK, exec)
	})

	r.Get("/executions", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		execs, err := env.Store.ListExecutions(req.Context(), store.ExecutionFilter{
			Status: model.ExecutionStatus(q.Get("status")),
			CardID: q.Get("card_id"),
			Limit:  limit,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
			return
		}
		writeJSON(w, http.StatusOK, execs)
	})

	r.Get("/cards/{userID}/{cardID}", func(w http.ResponseWriter, req *http.Request) {
		snap, err := env.Store.GetCard(req.Context(), chi.URLParam(req, "userID"), chi.URLParam(req, "cardID"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "card not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Get("/breakers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, env.Breakers.Stats())
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		lookback, _ := strconv.Atoi(req.URL.Query().Get("lookback_hours"))
		if lookback <= 0 {
			lookback = cfg.Monitoring.LookbackWindowHours
		}
		snap, err := collector.Collect(req.Context(), lookback)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics collection failed"})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
