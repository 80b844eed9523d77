// Package server is the HTTP interface of the engine: submit, status,
// cancel and remove over JSON, plus the blocking /generate convenience
// endpoint. Errors are application/problem+json.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	jss "github.com/kaptinlin/jsonschema"
	"github.com/mr-tron/base58"

	"github.com/keygrind/keygrind/internal/model"
	"github.com/keygrind/keygrind/internal/registry"
)

//go:embed submit.schema.json
var schemaFS embed.FS

const (
	maxBodyBytes = 64 * 1024
	// how long a status long poll may block
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
	// /generate is synchronous, the default four character suffix needs
	// a bound this large on slow hosts
	generateTimeout = 5 * time.Minute
	// suffix used by /generate when the request names none
	generateSuffix = "Loop"
)

type Server struct {
	registry *registry.Registry
	schema   *jss.Schema
}

func New(reg *registry.Registry) (*Server, error) {
	b, err := schemaFS.ReadFile("submit.schema.json")
	if err != nil {
		return nil, fmt.Errorf("reading embedded schema: %w", err)
	}
	compiler := jss.NewCompiler()
	schema, err := compiler.Compile(b)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Server{
		registry: reg,
		schema:   schema,
	}, nil
}

// Routes builds the chi router. CORS is fully permissive, TLS termination
// and authentication are the deployment's business.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", s.health)
	r.Post("/generate", s.generate)
	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Post("/", s.submitJob)
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
		r.Post("/{id}/cancel", s.cancelJob)
		r.Delete("/{id}", s.deleteJob)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

type submitRequest struct {
	Scheme        string   `json:"scheme"`
	Kind          string   `json:"kind"`
	Pattern       string   `json:"pattern"`
	CaseSensitive bool     `json:"case_sensitive"`
	Count         int      `json:"count"`
	Backends      []string `json:"backends"`
	Timeout       string   `json:"timeout"`
	AttemptBudget uint64   `json:"attempt_budget"`
	Base          string   `json:"base"`
	Owner         string   `json:"owner"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	if res := s.schema.Validate(body); !res.Valid {
		var details []string
		for _, verr := range res.Errors {
			details = append(details, fmt.Sprintf("%s: %s", verr.Keyword, verr.Error()))
		}
		writeProblem(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", details))
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "decoding request: "+err.Error())
		return
	}

	spec := model.TargetSpec{
		Scheme:        model.Scheme(req.Scheme),
		Kind:          model.Kind(req.Kind),
		Pattern:       req.Pattern,
		CaseSensitive: req.CaseSensitive,
		Count:         req.Count,
		Backends:      req.Backends,
		AttemptBudget: req.AttemptBudget,
		Base:          req.Base,
		Owner:         req.Owner,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "parsing timeout: "+err.Error())
			return
		}
		spec.Timeout = d
	}

	id, err := s.registry.Submit(r.Context(), spec)
	if err != nil {
		if errors.Is(err, model.ErrInvalidSpec) {
			writeProblem(w, http.StatusBadRequest, err.Error())
			return
		}
		writeProblem(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if r.URL.Query().Get("wait") == "1" {
		done, err := s.registry.Wait(id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		timeout := defaultWaitTimeout
		if t := r.URL.Query().Get("timeout"); t != "" {
			d, err := time.ParseDuration(t)
			if err != nil || d <= 0 || d > maxWaitTimeout {
				writeProblem(w, http.StatusBadRequest, "invalid timeout")
				return
			}
			timeout = d
		}
		select {
		case <-done:
		case <-time.After(timeout):
		case <-r.Context().Done():
			return
		}
	}

	view, err := s.registry.View(id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Cancel(id); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Remove(r.Context(), id); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type generateRequest struct {
	Base   string `json:"base"`
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
}

type generateResponse struct {
	Address string `json:"address"`
	Seed    string `json:"seed"`
}

// generate is the synchronous convenience endpoint: it derives a
// create-with-seed address for the base key and blocks until one match is
// found.
func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if b, err := base58.Decode(req.Base); err != nil || len(b) != 32 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid base address"})
		return
	}

	spec := model.TargetSpec{
		Scheme:        model.SchemeCreateWithSeed,
		Kind:          model.KindSuffix,
		Pattern:       generateSuffix,
		CaseSensitive: true,
		Count:         1,
		Base:          req.Base,
		Timeout:       generateTimeout,
	}
	switch {
	case req.Prefix != "":
		spec.Kind = model.KindPrefix
		spec.Pattern = req.Prefix
	case req.Suffix != "":
		spec.Pattern = req.Suffix
	}

	id, err := s.registry.Submit(r.Context(), spec)
	if err != nil {
		if errors.Is(err, model.ErrInvalidSpec) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	done, err := s.registry.Wait(id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	select {
	case <-done:
	case <-r.Context().Done():
		_ = s.registry.Cancel(id)
		return
	}

	view, err := s.registry.View(id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	if view.Status != model.StatusCompleted || len(view.Matches) == 0 {
		slog.ErrorContext(r.Context(), "generate did not complete", "job_id", id, "status", string(view.Status))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "generation " + string(view.Status)})
		return
	}
	m := view.Matches[0]
	writeJSON(w, http.StatusOK, generateResponse{
		Address: m.Address,
		Seed:    m.Seed,
	})
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeProblem(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidState):
		writeProblem(w, http.StatusConflict, err.Error())
	default:
		writeProblem(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

// Listen serves the routes until ctx is cancelled, then shuts the server
// down gracefully bounded by shutdownTimeout.
func Listen(ctx context.Context, addr string, handler http.Handler) error {
	const shutdownTimeout = 5 * time.Second

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}
