package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evidenced/internal/logging"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Config holds configuration for the chromem-backed memory store.
type Config struct {
	// Path is the directory for persistent storage.
	Path string `koanf:"path" json:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress" json:"compress"`

	// Collection is the collection name holding agent memories.
	Collection string `koanf:"collection" json:"collection"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.config/evidenced/memory"
	}
	if c.Collection == "" {
		c.Collection = "agent_memories"
	}
}

// ChromemStore implements Store using chromem-go, an embedded vector
// database persisted to gob files. No external service is required.
//
// All embeddings are computed by the caller before Add/Search, so the
// collection's embedding function is never exercised; it exists only to
// satisfy the chromem API and fails loudly if reached.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     Config
	logger     *logging.Logger
	tracer     trace.Tracer
}

// NewChromemStore opens (or creates) the persistent memory store.
func NewChromemStore(cfg Config, logger *logging.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, rejectEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	store := &ChromemStore{
		db:         db,
		collection: collection,
		config:     cfg,
		logger:     logger.Named("memory"),
		tracer:     otel.Tracer("evidenced/memory"),
	}

	store.logger.Info(context.Background(), "memory store initialized",
		zap.String("path", path),
		zap.Bool("compress", cfg.Compress),
		zap.String("collection", cfg.Collection),
		zap.Int("count", collection.Count()))

	return store, nil
}

// rejectEmbeddingFunc guards against accidental text queries; every code
// path supplies precomputed embeddings.
func rejectEmbeddingFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embeddings must be computed by the caller")
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Add persists one memory with its caller-computed embedding.
func (s *ChromemStore) Add(ctx context.Context, m *Memory) error {
	ctx, span := s.tracer.Start(ctx, "memory.add",
		trace.WithAttributes(attribute.String("memory.type", string(m.Type))))
	defer span.End()

	if err := m.Validate(); err != nil {
		span.RecordError(err)
		return err
	}
	if len(m.Embedding) == 0 {
		return fmt.Errorf("%w: embedding required", ErrInvalidMemory)
	}

	doc := chromem.Document{
		ID:        m.ID,
		Content:   m.Content,
		Embedding: m.Embedding,
		Metadata:  memoryMetadata(m),
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding memory: %w", err)
	}

	s.logger.Debug(ctx, "memory stored",
		zap.String("id", m.ID),
		zap.String("type", string(m.Type)),
		zap.String("check_type", m.CheckType))
	return nil
}

// Search returns memories above the similarity threshold, ordered by
// similarity descending. Type, expiry and threshold filtering happen
// after the vector query since chromem's where clause only supports
// single-value exact matches.
func (s *ChromemStore) Search(ctx context.Context, embedding []float32, filters Filters, threshold float64, limit int) ([]Match, error) {
	ctx, span := s.tracer.Start(ctx, "memory.search")
	defer span.End()

	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding required")
	}

	count := s.collection.Count()
	if count == 0 {
		return []Match{}, nil
	}

	// Over-fetch so post-query filtering still fills the limit, capped at
	// the collection size (chromem requires nResults <= doc count).
	candidates := limit * 4
	if candidates > count {
		candidates = count
	}

	var where map[string]string
	if filters.CheckType != "" {
		where = map[string]string{"check_type": filters.CheckType}
	}

	results, err := s.collection.QueryEmbedding(ctx, embedding, candidates, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying memories: %w", err)
	}

	now := timeNow()
	matches := make([]Match, 0, limit)
	for _, r := range results {
		if float64(r.Similarity) < threshold {
			continue
		}
		m, err := documentToMemory(r.ID, r.Content, r.Metadata)
		if err != nil {
			s.logger.Warn(ctx, "skipping malformed memory record",
				zap.String("id", r.ID), zap.Error(err))
			continue
		}
		if m.Expired(now) {
			continue
		}
		if len(filters.Types) > 0 && !containsType(filters.Types, m.Type) {
			continue
		}
		matches = append(matches, Match{Memory: m, Similarity: float64(r.Similarity)})
		if len(matches) == limit {
			break
		}
	}

	span.SetAttributes(attribute.Int("memory.matches", len(matches)))
	return matches, nil
}

// RecordApplication folds one application outcome into the stored
// memory's running success average.
func (s *ChromemStore) RecordApplication(ctx context.Context, id string, success bool) error {
	ctx, span := s.tracer.Start(ctx, "memory.record_application",
		trace.WithAttributes(attribute.String("memory.id", id), attribute.Bool("memory.success", success)))
	defer span.End()

	doc, err := s.collection.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m, err := documentToMemory(doc.ID, doc.Content, doc.Metadata)
	if err != nil {
		return fmt.Errorf("decoding memory %s: %w", id, err)
	}
	m.RecordApplication(success)

	updated := chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: doc.Embedding,
		Metadata:  memoryMetadata(m),
	}
	if err := s.collection.AddDocument(ctx, updated); err != nil {
		span.RecordError(err)
		return fmt.Errorf("updating memory %s: %w", id, err)
	}

	s.logger.Debug(ctx, "memory application recorded",
		zap.String("id", id),
		zap.Bool("success", success),
		zap.Float64("success_rate", m.SuccessRate),
		zap.Int("applications", m.ApplicationCount))
	return nil
}

// memoryMetadata flattens a memory into chromem's string-only metadata.
func memoryMetadata(m *Memory) map[string]string {
	meta := map[string]string{
		"memory_type":       string(m.Type),
		"check_type":        m.CheckType,
		"success_rate":      strconv.FormatFloat(m.SuccessRate, 'f', -1, 64),
		"application_count": strconv.Itoa(m.ApplicationCount),
		"created_by":        m.CreatedBy,
		"created_at":        m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":        m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.ExpiresAt != nil {
		meta["expires_at"] = m.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return meta
}

func documentToMemory(id, content string, meta map[string]string) (*Memory, error) {
	successRate, err := strconv.ParseFloat(meta["success_rate"], 64)
	if err != nil {
		return nil, fmt.Errorf("parsing success_rate: %w", err)
	}
	applications, err := strconv.Atoi(meta["application_count"])
	if err != nil {
		return nil, fmt.Errorf("parsing application_count: %w", err)
	}

	m := &Memory{
		ID:               id,
		Type:             Type(meta["memory_type"]),
		CheckType:        meta["check_type"],
		Content:          content,
		SuccessRate:      successRate,
		ApplicationCount: applications,
		CreatedBy:        meta["created_by"],
	}
	if v := meta["created_at"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.CreatedAt = ts
		}
	}
	if v := meta["updated_at"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.UpdatedAt = ts
		}
	}
	if v := meta["expires_at"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.ExpiresAt = &ts
		}
	}
	return m, nil
}

func containsType(types []Type, t Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

var _ Store = (*ChromemStore)(nil)
