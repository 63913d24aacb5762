package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"offsync/internal/action"
	"offsync/internal/config"
	"offsync/internal/log"
	"offsync/internal/metrics"
	"offsync/internal/netmon"
	"offsync/internal/projection"
	"offsync/internal/queue"
	"offsync/internal/syncer"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

// SetupRouter mounts the UI-facing read and command API. Every mutation
// endpoint returns immediately; sync runs happen on the executor's
// goroutine, never on the request path.
func SetupRouter(r *chi.Mux, cfg *config.Config, mgr *queue.Manager, sync *syncer.Syncer, proj *projection.Projection, monitor *netmon.Monitor, metrics *metrics.QueueMetrics, logger *log.Logger) {
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg, logger))

		r.Get("/queue", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, logger, mgr.Snapshot())
		})

		r.Get("/queue/stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, logger, mgr.Stats())
		})

		r.Get("/sync/status", func(w http.ResponseWriter, r *http.Request) {
			var lastSync *time.Time
			if t := sync.LastSyncTime(); !t.IsZero() {
				lastSync = &t
			}
			writeJSON(w, logger, map[string]interface{}{
				"is_syncing":     sync.IsSyncing(),
				"sync_progress":  sync.Progress(),
				"last_sync_time": lastSync,
				"online":         monitor.Online(),
			})
		})

		r.Get("/projection", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, logger, proj.List())
		})

		r.Post("/actions", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Type    action.Type     `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode action request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if !req.Type.Valid() {
				http.Error(w, fmt.Sprintf("Unknown action type %q", req.Type), http.StatusBadRequest)
				return
			}
			id, err := mgr.Enqueue(req.Type, req.Payload)
			if err != nil {
				logger.Error("Failed to enqueue action", zap.Error(err))
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			proj.Add(id, req.Type, req.Payload)
			metrics.EnqueueTotal.WithLabelValues(string(req.Type)).Inc()
			if monitor.Online() {
				sync.Trigger()
			}
			w.WriteHeader(http.StatusAccepted)
			writeJSON(w, logger, map[string]string{"id": id})
		})

		r.Delete("/actions/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			switch err := mgr.Remove(id); {
			case errors.Is(err, queue.ErrActionSyncing):
				http.Error(w, err.Error(), http.StatusConflict)
				return
			case errors.Is(err, queue.ErrNotFound):
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			case err != nil:
				logger.Error("Failed to remove action", zap.Error(err), zap.String("id", id))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			proj.Discard(id)
			w.Write([]byte("OK"))
		})

		r.Delete("/queue", func(w http.ResponseWriter, r *http.Request) {
			mgr.Clear()
			proj.Clear()
			w.Write([]byte("OK"))
		})

		r.Post("/sync", func(w http.ResponseWriter, r *http.Request) {
			go sync.SyncQueue(context.Background())
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte("OK"))
		})

		r.Post("/sync/retry", func(w http.ResponseWriter, r *http.Request) {
			go sync.RetryFailed(context.Background())
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte("OK"))
		})

		r.Post("/network", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Online bool `json:"online"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode network signal", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			monitor.SetOnline(req.Online)
			w.Write([]byte("OK"))
		})
	})
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// authMiddleware validates the UI's bearer token and pins the session to the
// configured user: a token for another user must not see this queue.
func authMiddleware(cfg *config.Config, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(cfg.JWTSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}
			sub, _ := claims["sub"].(string)
			if sub != cfg.UserID {
				logger.Error("Token subject mismatch", zap.String("sub", sub))
				http.Error(w, "Wrong user", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), userKey{}, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type userKey struct{}
