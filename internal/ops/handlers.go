package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"adsync/internal/dispatch"
	"adsync/internal/storage"
	"adsync/internal/task/scheduler"
	"adsync/internal/workflow"
	logx "adsync/pkg/logx"
)

// Backend is the run surface the API exposes. *dispatch.Dispatcher implements it.
type Backend interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Pending, error)
	History(ctx context.Context, limit int) ([]*workflow.Run, error)
	Get(ctx context.Context, id string) (*workflow.Run, error)
	Active() []*workflow.Run
}

// ScheduleFunc reports the scheduler state for /healthz.
type ScheduleFunc func() scheduler.Snapshot

const maxBody = 64 << 10

type dispatchBody struct {
	Ref   string `json:"ref,omitempty"`
	Actor string `json:"actor,omitempty"`
	Wait  bool   `json:"wait,omitempty"`
}

type healthResponse struct {
	Status string              `json:"status"`
	Busy   bool                `json:"busy"`
	Active []*workflow.Run     `json:"active,omitempty"`
	Next   *time.Time          `json:"next,omitempty"`
	Sched  *scheduler.Snapshot `json:"scheduler,omitempty"`
}

func (s *Service) handler(cur Config) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", auth(s.metrics.ServeHTTP))
	}
	mux.HandleFunc("GET /v1/runs", auth(s.handleRuns))
	mux.HandleFunc("GET /v1/runs/{id}", auth(s.handleRun))
	mux.HandleFunc("POST /v1/dispatch", auth(requireTrusted(cur.Token, s.handleDispatch)))

	if cur.Pprof {
		mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	}
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.backend != nil {
		resp.Active = s.backend.Active()
		resp.Busy = len(resp.Active) > 0
	}
	if s.sched != nil {
		snap := s.sched()
		resp.Sched = &snap
		for _, it := range snap.Schedules {
			if it.Next.IsZero() {
				continue
			}
			if resp.Next == nil || it.Next.Before(*resp.Next) {
				next := it.Next
				resp.Next = &next
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := storage.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.backend.History(r.Context(), limit)
	if err != nil {
		s.log.Warn("list runs failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if runs == nil {
		runs = []*workflow.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.backend.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		s.log.Warn("get run failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "get run failed")
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Service) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	actor := strings.TrimSpace(body.Actor)
	if actor == "" {
		actor = "api"
	}

	p, err := s.backend.Dispatch(r.Context(), dispatch.Request{
		Trigger: workflow.TriggerManual,
		Actor:   actor,
		Ref:     body.Ref,
	})
	switch {
	case errors.Is(err, dispatch.ErrSkipped):
		run, _ := p.Wait(r.Context())
		writeJSON(w, http.StatusConflict, map[string]any{"error": "workflow already running", "run": run})
		return
	case err != nil:
		s.log.Warn("dispatch failed", logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if !body.Wait {
		writeJSON(w, http.StatusAccepted, map[string]string{"id": p.ID(), "status": string(workflow.StatusQueued)})
		return
	}
	run, err := p.Wait(r.Context())
	if run == nil {
		// client went away; the run continues
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if tokenEqual(got, token) {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && tokenEqual(strings.TrimSpace(strings.TrimPrefix(ah, p)), token) {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// requireTrusted rejects mutating calls from remote peers when no token is set.
func requireTrusted(token string, h http.HandlerFunc) http.HandlerFunc {
	if token != "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			writeError(w, http.StatusForbidden, "dispatch from remote peers requires a token")
			return
		}
		h(w, r)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
