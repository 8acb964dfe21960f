// Package session holds the state one user works against: the registry of
// uploaded documents, the conversation history and the runtime credential.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/docqa/chat"
	"github.com/fabfab/docqa/config"
	"github.com/fabfab/docqa/ingestion"
	"github.com/fabfab/docqa/knowledge"
	"github.com/fabfab/docqa/llm"
	"github.com/fabfab/docqa/vectorstore"
)

type Store interface {
	Add(ctx context.Context, doc ingestion.Document, chunks []ingestion.Chunk) error
	Search(ctx context.Context, query string, k int) ([]vectorstore.Result, error)
	Delete(ctx context.Context, documentID string) error
	Clear(ctx context.Context) error
	Documents(ctx context.Context) ([]vectorstore.DocumentRecord, error)
	Close() error
}

// Mirror is the optional knowledge graph copy of the store.
type Mirror interface {
	SyncDocument(ctx context.Context, doc knowledge.Document) error
	DeleteDocument(ctx context.Context, id string) error
	Purge(ctx context.Context) error
	DocumentInsights(ctx context.Context, docIDs []string) (map[string]knowledge.Insight, error)
	Close(ctx context.Context) error
}

// ClientFactory builds the LLM client for a set of settings.
type ClientFactory func(ctx context.Context, s config.Settings) (llm.Client, error)

type Deps struct {
	Processor *ingestion.Processor
	Store     Store
	Mirror    Mirror
	NewClient ClientFactory
}

// Entry is one answered question.
type Entry struct {
	ID         string
	Question   string
	Answer     string
	Citations  []chat.Citation
	Sources    string
	Insights   map[string]knowledge.Insight // by document ID; empty without a graph
	Related    string
	Extractive bool
	AskedAt    time.Time
}

// UploadResult describes what Upload did with a file.
type UploadResult struct {
	Document vectorstore.DocumentRecord
	// Duplicate is set when identical content was already registered.
	Duplicate bool
	// Replaced is the ID of the same-named document the upload superseded.
	Replaced string
}

// Session serializes every action behind one mutex.
type Session struct {
	mu sync.Mutex

	settings  config.Settings
	processor *ingestion.Processor
	store     Store
	mirror    Mirror
	newClient ClientFactory
	client    llm.Client
	qa        *chat.Service

	docs    []vectorstore.DocumentRecord
	history []Entry

	logger *log.Logger
	now    func() time.Time
}

// New builds a session. A missing LLM credential is not an error: questions
// fail with llm.ErrMissingAPIKey until SetAPIKey supplies one.
func New(ctx context.Context, settings config.Settings, deps Deps, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.Default()
	}
	if deps.Processor == nil || deps.Store == nil {
		return nil, fmt.Errorf("session needs a processor and a store")
	}
	if deps.NewClient == nil {
		deps.NewClient = llm.NewClient
	}

	s := &Session{
		settings:  settings,
		processor: deps.Processor,
		store:     deps.Store,
		mirror:    deps.Mirror,
		newClient: deps.NewClient,
		logger:    logger,
		now:       time.Now,
	}

	client, err := s.newClient(ctx, settings)
	if err != nil && !errors.Is(err, llm.ErrMissingAPIKey) {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	if err != nil {
		logger.Printf("llm credential not configured; questions are disabled until a key is set")
	}
	s.client = client

	var graph chat.GraphStore
	if deps.Mirror != nil {
		graph = deps.Mirror
	}
	s.qa = chat.NewService(deps.Store, graph, client, s.lookup, chat.Options{
		TopK:       settings.TopK,
		LLMTimeout: settings.LLMTimeout,
	}, logger)

	return s, nil
}

// Restore reloads the registry from the store, for use after a restart.
func (s *Session) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.store.Documents(ctx)
	if err != nil {
		return fmt.Errorf("restore documents: %w", err)
	}
	s.docs = docs
	if len(docs) > 0 {
		s.logger.Printf("restored %d documents", len(docs))
	}
	return nil
}

// Upload processes and stores one file. Identical content already
// registered is returned unchanged. A different file with the same name
// replaces the old one; the new one is stored before the old one is removed.
func (s *Session) Upload(ctx context.Context, filename string, data []byte) (UploadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, chunks, err := s.processor.Process(filename, data)
	if err != nil {
		return UploadResult{}, err
	}

	if existing, ok := s.findBySHA(doc.SHA256); ok {
		s.logger.Printf("%s already stored as %s", doc.Filename, existing.Filename)
		return UploadResult{Document: existing, Duplicate: true}, nil
	}

	if err := s.store.Add(ctx, doc, chunks); err != nil {
		return UploadResult{}, err
	}

	if s.mirror != nil {
		if err := s.mirror.SyncDocument(ctx, knowledge.FromIngestion(doc, chunks)); err != nil {
			s.rollback(ctx, doc.ID)
			return UploadResult{}, fmt.Errorf("mirror %s: %w", doc.Filename, err)
		}
	}

	result := UploadResult{Document: vectorstore.RecordFromDocument(doc, len(chunks))}

	if old, idx := s.findByName(doc.Filename); idx >= 0 {
		if err := s.store.Delete(ctx, old.ID); err != nil && !errors.Is(err, vectorstore.ErrDocumentNotFound) {
			s.rollback(ctx, doc.ID)
			return UploadResult{}, fmt.Errorf("replace %s: %w", old.Filename, err)
		}
		s.unmirror(ctx, old.ID)
		s.docs = append(s.docs[:idx], s.docs[idx+1:]...)
		result.Replaced = old.ID
		s.logger.Printf("replaced previous version of %s", old.Filename)
	}

	s.docs = append(s.docs, result.Document)
	s.logger.Printf("ingested %s (%d chunks)", doc.Filename, len(chunks))
	return result, nil
}

// rollback removes a just-stored document after a later step failed.
func (s *Session) rollback(ctx context.Context, id string) {
	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.Printf("rollback of document %s failed: %v", id, err)
	}
	s.unmirror(ctx, id)
}

func (s *Session) unmirror(ctx context.Context, id string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.DeleteDocument(ctx, id); err != nil {
		s.logger.Printf("mirror delete of %s failed: %v", id, err)
	}
}

func (s *Session) Documents() []vectorstore.DocumentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]vectorstore.DocumentRecord, len(s.docs))
	copy(out, s.docs)
	return out
}

func (s *Session) Document(id string) (vectorstore.DocumentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(id)
}

// Delete removes one document from the store, the mirror and the registry.
func (s *Session) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("delete %s: %w", id, vectorstore.ErrDocumentNotFound)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.unmirror(ctx, id)

	name := s.docs[idx].Filename
	s.docs = append(s.docs[:idx], s.docs[idx+1:]...)
	s.logger.Printf("removed %s", name)
	return nil
}

// Clear drops every document and the conversation history.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Clear(ctx); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.Purge(ctx); err != nil {
			s.logger.Printf("mirror purge failed: %v", err)
		}
	}

	s.docs = nil
	s.history = nil
	s.logger.Println("session cleared")
	return nil
}

// Ask answers question from the stored documents and records the exchange.
func (s *Session) Ask(ctx context.Context, question string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.qa.Ask(ctx, question, s.settings.TopK)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		ID:         uuid.New().String(),
		Question:   strings.TrimSpace(question),
		Answer:     resp.Answer,
		Citations:  resp.Citations,
		Insights:   resp.Insights,
		Extractive: resp.Extractive,
		AskedAt:    s.now(),
	}
	if len(resp.Citations) > 0 {
		entry.Sources = chat.FormatSources(resp.Citations)
		entry.Related = chat.FormatInsights(resp.Citations, resp.Insights)
	}
	s.history = append(s.history, entry)
	return entry, nil
}

// Search runs a raw similarity search without involving the LLM.
func (s *Session) Search(ctx context.Context, query string, k int) ([]vectorstore.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k <= 0 {
		k = s.settings.TopK
	}
	return s.store.Search(ctx, query, k)
}

func (s *Session) History() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.history))
	copy(out, s.history)
	return out
}

// SetAPIKey rebuilds the LLM client with key as the provider credential.
func (s *Session) SetAPIKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: key is empty", llm.ErrMissingAPIKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	settings := s.settings.WithLLMAPIKey(key)
	client, err := s.newClient(ctx, settings)
	if err != nil {
		return fmt.Errorf("create llm client: %w", err)
	}

	s.closeClient()
	s.settings = settings
	s.client = client
	s.qa = s.qa.WithLLM(client)
	s.logger.Printf("llm credential updated for %s", settings.LLM.Provider)
	return nil
}

// HasAPIKey reports whether questions can be sent to the LLM.
func (s *Session) HasAPIKey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// Settings returns the active settings, credential included.
func (s *Session) Settings() config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeClient()
	var errs []error
	if s.mirror != nil {
		errs = append(errs, s.mirror.Close(ctx))
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

func (s *Session) closeClient() {
	if c, ok := s.client.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Printf("close llm client: %v", err)
		}
	}
}

// lookup expects s.mu to be held; chat.Service calls it from inside Ask.
func (s *Session) lookup(id string) (vectorstore.DocumentRecord, bool) {
	if idx := s.indexOf(id); idx >= 0 {
		return s.docs[idx], true
	}
	return vectorstore.DocumentRecord{}, false
}

func (s *Session) indexOf(id string) int {
	for i, d := range s.docs {
		if d.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) findBySHA(sha string) (vectorstore.DocumentRecord, bool) {
	for _, d := range s.docs {
		if d.SHA256 == sha {
			return d, true
		}
	}
	return vectorstore.DocumentRecord{}, false
}

func (s *Session) findByName(name string) (vectorstore.DocumentRecord, int) {
	for i, d := range s.docs {
		if d.Filename == name {
			return d, i
		}
	}
	return vectorstore.DocumentRecord{}, -1
}
