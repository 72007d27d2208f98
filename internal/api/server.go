package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pubudusj/spelling-game-backend/internal/engine"
	"github.com/pubudusj/spelling-game-backend/internal/logging"
	"github.com/pubudusj/spelling-game-backend/internal/pipeline"
	"github.com/pubudusj/spelling-game-backend/internal/services"
	"github.com/pubudusj/spelling-game-backend/internal/store"
	"github.com/pubudusj/spelling-game-backend/internal/validation"
	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// AuthOptions configures the shared-secret header authorizer. Every JSON
// route requires the header; the signed audio route does not (browsers
// fetching <audio> sources cannot attach custom headers).
type AuthOptions struct {
	HeaderName  string
	HeaderValue string
}

// CORSOptions configures the response headers for browser clients.
type CORSOptions struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

// Options wires the server's collaborators.
type Options struct {
	Auth      AuthOptions
	CORS      CORSOptions
	Validator *validation.PayloadValidator
	Serving   *pipeline.Serving
	Engine    *engine.Engine
	Store     store.Store
	Issuer    *services.URLIssuer
	// AudioDir is the local object directory synthesized audio lands in.
	AudioDir string
	Logger   *slog.Logger
}

// Server is the HTTP API: question serving, answer checking, and signed
// audio delivery.
type Server struct {
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates the API server and registers its routes.
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Validator == nil:
		return nil, fmt.Errorf("api: validator is required")
	case opts.Serving == nil:
		return nil, fmt.Errorf("api: serving pipeline is required")
	case opts.Engine == nil:
		return nil, fmt.Errorf("api: engine is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("api: store is required")
	case opts.Issuer == nil:
		return nil, fmt.Errorf("api: url issuer is required")
	case opts.Auth.HeaderName == "" || opts.Auth.HeaderValue == "":
		return nil, fmt.Errorf("api: auth header name and value are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{opts: opts, logger: logger, mux: http.NewServeMux()}

	s.mux.Handle("POST /questions", s.authorized(http.HandlerFunc(s.handleQuestions)))
	s.mux.Handle("POST /answers", s.authorized(http.HandlerFunc(s.handleAnswers)))
	s.mux.HandleFunc("GET /audio/{ref...}", s.handleAudio)
	s.mux.HandleFunc("OPTIONS /", s.handlePreflight)
	return s, nil
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.mux)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.opts.CORS.AllowedOrigins)
		h.Set("Access-Control-Allow-Methods", s.opts.CORS.AllowedMethods)
		h.Set("Access-Control-Allow-Headers", s.opts.CORS.AllowedHeaders)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// authorized rejects requests missing the shared-secret header.
func (s *Server) authorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(s.opts.Auth.HeaderName) != s.opts.Auth.HeaderValue {
			s.writeError(w, r, http.StatusForbidden,
				flow.NewError(flow.ErrCodeValidation, "unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type questionsRequest struct {
	Language string `json:"language"`
}

// handleQuestions runs the serving pipeline for the requested language and
// returns the deduplicated question set with signed audio URLs.
func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	body, ferr := s.decode(r)
	if ferr != nil {
		s.writeFlowError(w, r, ferr)
		return
	}
	if err := s.opts.Validator.ValidateQuestionsRequest(body); err != nil {
		s.writeFlowError(w, r, asFlowError(err))
		return
	}

	var req questionsRequest
	if err := reparse(body, &req); err != nil {
		s.writeFlowError(w, r, asFlowError(err))
		return
	}

	ctx := logging.WithLanguage(r.Context(), req.Language)
	res, err := s.opts.Serving.Run(ctx, s.opts.Engine, req.Language)
	if err != nil {
		s.writeFlowError(w, r, asFlowError(err))
		return
	}
	if res.Status != flow.RunStatusSucceeded {
		s.writeFlowError(w, r, res.Error)
		return
	}

	questions, _ := res.Output.Get("questions")
	if questions == nil {
		questions = []any{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
}

type answersRequest struct {
	Language string `json:"language"`
	Answers  []struct {
		ID   string `json:"id"`
		Word string `json:"word"`
	} `json:"answers"`
}

type answerResult struct {
	ID           string `json:"id"`
	OriginalWord string `json:"original_word"`
	Correct      bool   `json:"correct"`
}

// handleAnswers checks submitted spellings against the stored words.
// Comparison is case-insensitive; an unknown question id counts as wrong.
func (s *Server) handleAnswers(w http.ResponseWriter, r *http.Request) {
	body, ferr := s.decode(r)
	if ferr != nil {
		s.writeFlowError(w, r, ferr)
		return
	}
	if err := s.opts.Validator.ValidateAnswersRequest(body); err != nil {
		s.writeFlowError(w, r, asFlowError(err))
		return
	}

	var req answersRequest
	if err := reparse(body, &req); err != nil {
		s.writeFlowError(w, r, asFlowError(err))
		return
	}

	keys := make([]string, len(req.Answers))
	for i, a := range req.Answers {
		keys[i] = a.ID
	}

	recs, err := s.opts.Store.GetWordsByKeys(r.Context(), store.WordPartition(req.Language), keys)
	if err != nil {
		s.writeFlowError(w, r, asFlowError(err))
		return
	}
	byKey := make(map[string]*store.WordRecord, len(recs))
	for _, rec := range recs {
		byKey[rec.SortKey] = rec
	}

	results := make([]answerResult, len(req.Answers))
	for i, a := range req.Answers {
		res := answerResult{ID: a.ID}
		if rec, ok := byKey[a.ID]; ok {
			res.OriginalWord = rec.Word
			res.Correct = strings.EqualFold(strings.TrimSpace(a.Word), rec.Word)
		}
		results[i] = res
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleAudio verifies a signed link and streams the audio object. Access
// control is the signature itself, not the auth header.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	q := r.URL.Query()

	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest,
			flow.NewError(flow.ErrCodeValidation, "missing or malformed expires parameter"))
		return
	}

	if err := s.opts.Issuer.Verify(ref, expires, q.Get("signature")); err != nil {
		s.writeError(w, r, http.StatusForbidden, asFlowError(err))
		return
	}

	clean := filepath.Clean("/" + ref)
	if strings.Contains(clean, "..") {
		s.writeError(w, r, http.StatusBadRequest,
			flow.NewError(flow.ErrCodeValidation, "invalid audio ref"))
		return
	}

	path := filepath.Join(s.opts.AudioDir, filepath.FromSlash(clean))
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(int(s.opts.Issuer.TTL()/time.Second)))
	http.ServeFile(w, r, path)
}

// decode reads a JSON body into a generic value for schema validation.
func (s *Server) decode(r *http.Request) (any, *flow.Error) {
	defer r.Body.Close()

	var body any
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		return nil, flow.NewError(flow.ErrCodeValidation, "request body is not valid JSON").WithCause(err)
	}
	return body, nil
}

// reparse moves a validated generic body into a typed request struct.
func reparse(body any, dst any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return flow.NewError(flow.ErrCodeValidation, "request body is not serializable").WithCause(err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return flow.NewError(flow.ErrCodeValidation, "request body has the wrong shape").WithCause(err)
	}
	return nil
}

func (s *Server) writeFlowError(w http.ResponseWriter, r *http.Request, ferr *flow.Error) {
	s.writeError(w, r, statusForCode(rootCode(ferr)), ferr)
}

// rootCode returns the deepest typed error code in the cause chain. Map and
// state failures wrap the originating error; the original code is what the
// HTTP status should reflect.
func rootCode(ferr *flow.Error) string {
	code := ferr.Code
	for err := error(ferr); err != nil; err = errors.Unwrap(err) {
		var inner *flow.Error
		if errors.As(err, &inner) {
			code = inner.Code
		}
	}
	return code
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, ferr *flow.Error) {
	logging.LogWith(r.Context(), s.logger).Warn("request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", ferr.Error()))

	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    ferr.Code,
			"message": ferr.Message,
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", slog.String("error", err.Error()))
	}
}

// statusForCode maps the error taxonomy onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case flow.ErrCodeValidation, flow.ErrCodeCapability:
		return http.StatusBadRequest
	case flow.ErrCodeNotFound, flow.ErrCodeEmptyResult:
		return http.StatusNotFound
	case flow.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func asFlowError(err error) *flow.Error {
	var ferr *flow.Error
	if errors.As(err, &ferr) {
		return ferr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return flow.NewError(flow.ErrCodeTimeout, "request timed out").WithCause(err)
	}
	return flow.NewErrorf(flow.ErrCodeExecution, "%s", err.Error()).WithCause(err)
}
