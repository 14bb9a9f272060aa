package status

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"asyncproc/internal/jobs"
	"asyncproc/internal/runtime/supervisor"
	"asyncproc/internal/scheduler"
	"asyncproc/internal/storage"
	logx "asyncproc/pkg/logx"
)

const (
	defaultJournalN = 50
	maxJournalN     = 1000
)

// Sources are read by the handlers. Every func must be safe to call from
// any goroutine; nil sources answer 404.
type Sources struct {
	Snapshot   func() scheduler.Snapshot
	Journal    func() storage.Store
	Jobs       func() []jobs.Info
	Supervisor func() supervisor.Snapshot
}

// NewHandler builds the status router. An empty token disables auth.
func NewHandler(src Sources, token string, pprof bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))

		r.Route("/v1", func(r chi.Router) {
			r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
				if src.Snapshot == nil {
					http.NotFound(w, r)
					return
				}
				respondJSON(w, log, http.StatusOK, src.Snapshot())
			})
			r.Get("/journal", func(w http.ResponseWriter, r *http.Request) {
				journal(w, r, src, log)
			})
			r.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
				if src.Jobs == nil {
					http.NotFound(w, r)
					return
				}
				respondJSON(w, log, http.StatusOK, src.Jobs())
			})
			r.Get("/supervisor", func(w http.ResponseWriter, r *http.Request) {
				if src.Supervisor == nil {
					http.NotFound(w, r)
					return
				}
				respondJSON(w, log, http.StatusOK, src.Supervisor())
			})
		})

		if pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func journal(w http.ResponseWriter, r *http.Request, src Sources, log logx.Logger) {
	var st storage.Store
	if src.Journal != nil {
		st = src.Journal()
	}
	if st == nil {
		respondError(w, log, http.StatusNotFound, "journal disabled")
		return
	}
	n := defaultJournalN
	if raw := strings.TrimSpace(r.URL.Query().Get("n")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			respondError(w, log, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = min(v, maxJournalN)
	}
	recs, err := st.Recent(r.Context(), n)
	if err != nil {
		log.Warn("journal read failed", logx.Err(err))
		respondError(w, log, http.StatusInternalServerError, "journal read failed")
		return
	}
	respondJSON(w, log, http.StatusOK, recs)
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, log logx.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("status response encode failed", logx.Err(err))
	}
}

func respondError(w http.ResponseWriter, log logx.Logger, status int, msg string) {
	respondJSON(w, log, status, errorResponse{Error: msg})
}

// bearerAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("status request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
