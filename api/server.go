package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/fabfab/docqa/chat"
	"github.com/fabfab/docqa/config"
	"github.com/fabfab/docqa/ingestion"
	"github.com/fabfab/docqa/llm"
	"github.com/fabfab/docqa/session"
	"github.com/fabfab/docqa/vectorstore"
)

const maxFilesPerRequest = 10

// Session is the state the HTTP surface drives.
type Session interface {
	Upload(ctx context.Context, filename string, data []byte) (session.UploadResult, error)
	Documents() []vectorstore.DocumentRecord
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Ask(ctx context.Context, question string) (session.Entry, error)
	History() []session.Entry
	SetAPIKey(ctx context.Context, key string) error
	HasAPIKey() bool
}

var _ Session = (*session.Session)(nil)

// Server exposes the document QA workflow over HTTP.
type Server struct {
	sess     Session
	maxBytes int64
	logger   *log.Logger
	handler  http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

type askRequest struct {
	Question string `json:"question"`
}

type credentialsRequest struct {
	APIKey string `json:"apiKey"`
}

type credentialsResponse struct {
	Configured bool `json:"configured"`
}

type documentResponse struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Format     string    `json:"format"`
	Summary    string    `json:"summary"`
	SHA256     string    `json:"sha256"`
	SizeBytes  int64     `json:"sizeBytes"`
	ChunkCount int       `json:"chunkCount"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type uploadedDocument struct {
	documentResponse
	Duplicate bool   `json:"duplicate,omitempty"`
	Replaced  string `json:"replaced,omitempty"`
}

type uploadFailure struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

type uploadResponse struct {
	Documents []uploadedDocument `json:"documents"`
	Errors    []uploadFailure    `json:"errors,omitempty"`
}

type citationResponse struct {
	ChunkID    string  `json:"chunkId"`
	DocumentID string  `json:"documentId"`
	Filename   string  `json:"filename"`
	Summary    string  `json:"summary,omitempty"`
	ChunkIndex int     `json:"chunkIndex"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

type insightResponse struct {
	ChunkCount int      `json:"chunkCount"`
	Format     string   `json:"format,omitempty"`
	Related    []string `json:"related,omitempty"`
}

type entryResponse struct {
	ID         string                     `json:"id"`
	Question   string                     `json:"question"`
	Answer     string                     `json:"answer"`
	Sources    string                     `json:"sources,omitempty"`
	Citations  []citationResponse         `json:"citations"`
	Insights   map[string]insightResponse `json:"insights,omitempty"`
	Extractive bool                       `json:"extractive,omitempty"`
	AskedAt    time.Time                  `json:"askedAt"`
}

// New constructs a Server over sess. Uploads are limited by the configured file size.
func New(sess Session, settings config.Settings, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{sess: sess, maxBytes: settings.MaxFileSizeBytes(), logger: logger}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/documents", s.handleDocuments)
	mux.HandleFunc("/v1/documents/{id}", s.handleDocument)
	mux.HandleFunc("/v1/ask", s.handleAsk)
	mux.HandleFunc("/v1/history", s.handleHistory)
	mux.HandleFunc("/v1/clear", s.handleClear)
	mux.HandleFunc("/v1/credentials", s.handleCredentials)
	return s.correlationID(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r, http.MethodGet)
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		docs := s.sess.Documents()
		out := make([]documentResponse, len(docs))
		for i, d := range docs {
			out[i] = toDocumentResponse(d)
		}
		s.writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		s.methodNotAllowed(w, r, http.MethodGet+", "+http.MethodPost)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes*maxFilesPerRequest+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("no files provided in field \"files\""))
		return
	}
	if len(files) > maxFilesPerRequest {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("at most %d files per request", maxFilesPerRequest))
		return
	}

	resp := uploadResponse{Documents: []uploadedDocument{}}
	var firstErr error
	for _, fh := range files {
		data, err := readUpload(fh, s.maxBytes)
		if err == nil {
			var res session.UploadResult
			res, err = s.sess.Upload(r.Context(), fh.Filename, data)
			if err == nil {
				resp.Documents = append(resp.Documents, uploadedDocument{
					documentResponse: toDocumentResponse(res.Document),
					Duplicate:        res.Duplicate,
					Replaced:         res.Replaced,
				})
				continue
			}
		}
		s.logger.Printf("upload %s failed: %v", fh.Filename, err)
		resp.Errors = append(resp.Errors, uploadFailure{Filename: fh.Filename, Error: err.Error()})
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(resp.Documents) == 0 && firstErr != nil {
		s.writeJSON(w, statusFor(firstErr), resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// readUpload reads at most limit+1 bytes so the processor can reject
// oversized files without the whole body in memory.
func readUpload(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, r, http.MethodDelete)
		return
	}

	id := strings.TrimSpace(r.PathValue("id"))
	if err := s.sess.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "document deleted"})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	entry, err := s.sess.Ask(r.Context(), req.Question)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r, http.MethodGet)
		return
	}

	hist := s.sess.History()
	out := make([]entryResponse, len(hist))
	for i, e := range hist {
		out[i] = toEntryResponse(e)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if !req.Confirm {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("confirm must be true to clear data"))
		return
	}

	if err := s.sess.Clear(r.Context()); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "all documents cleared"})
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, credentialsResponse{Configured: s.sess.HasAPIKey()})
	case http.MethodPut:
		var req credentialsRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		if err := s.sess.SetAPIKey(r.Context(), req.APIKey); err != nil {
			s.writeError(w, r, statusFor(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, credentialsResponse{Configured: true})
	default:
		s.methodNotAllowed(w, r, http.MethodGet+", "+http.MethodPut)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingestion.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingestion.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ingestion.ErrExtraction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chat.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, vectorstore.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, llm.ErrMissingAPIKey):
		return http.StatusUnauthorized
	case errors.Is(err, llm.ErrGeneration), errors.Is(err, vectorstore.ErrEmbedding):
		return http.StatusBadGateway
	case errors.Is(err, vectorstore.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.logger.Printf("api error status=%d correlation_id=%s: %v", status, CorrelationID(r.Context()), err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

func toDocumentResponse(d vectorstore.DocumentRecord) documentResponse {
	return documentResponse{
		ID:         d.ID,
		Filename:   d.Filename,
		Format:     string(d.Format),
		Summary:    d.Metadata.Summary(d.Format),
		SHA256:     d.SHA256,
		SizeBytes:  d.SizeBytes,
		ChunkCount: d.ChunkCount,
		UploadedAt: d.UploadedAt,
	}
}

func toEntryResponse(e session.Entry) entryResponse {
	citations := make([]citationResponse, len(e.Citations))
	for i, c := range e.Citations {
		citations[i] = citationResponse{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Filename:   c.Filename,
			Summary:    c.Summary,
			ChunkIndex: c.ChunkIndex,
			Text:       c.Text,
			Score:      c.Score,
		}
	}

	var insights map[string]insightResponse
	if len(e.Insights) > 0 {
		insights = make(map[string]insightResponse, len(e.Insights))
		for id, in := range e.Insights {
			insights[id] = insightResponse{ChunkCount: in.ChunkCount, Format: in.Format, Related: in.Related}
		}
	}

	return entryResponse{
		ID:         e.ID,
		Question:   e.Question,
		Answer:     e.Answer,
		Sources:    e.Sources,
		Citations:  citations,
		Insights:   insights,
		Extractive: e.Extractive,
		AskedAt:    e.AskedAt,
	}
}
