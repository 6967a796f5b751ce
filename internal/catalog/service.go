package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Page is one slice of the upstream product listing.
type Page struct {
	Data  []Entry
	Count int
}

// Source reads the upstream product listing page by page.
type Source interface {
	ReadProducts(ctx context.Context, skip, limit int) (Page, error)
}

// Load sources reported to the recorder.
const (
	SourceCache    = "cache"
	SourceUpstream = "upstream"
)

// Recorder receives catalog load outcomes.
type Recorder interface {
	CatalogLoaded(source string, entries int)
}

// Service loads the product catalog, preferring the Redis snapshot and
// falling back to paging through the upstream listing.
type Service struct {
	source   Source
	cache    *Cache
	pageSize int
	maxPages int
	logger   zerolog.Logger
	recorder Recorder
	now      func() time.Time
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Source   Source
	Cache    *Cache
	PageSize int
	MaxPages int
	Logger   zerolog.Logger
	Recorder Recorder
	Now      func() time.Time
}

// NewService constructs a Service instance.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Source == nil {
		return nil, errors.New("catalog: source is required")
	}
	pageSize := cfg.PageSize
	if pageSize < 1 {
		pageSize = 100
	}
	maxPages := cfg.MaxPages
	if maxPages < 1 {
		maxPages = 1000
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		source:   cfg.Source,
		cache:    cfg.Cache,
		pageSize: pageSize,
		maxPages: maxPages,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		now:      now,
	}, nil
}

// Lookup returns the current catalog, reading the snapshot first.
func (s *Service) Lookup(ctx context.Context) (*Index, error) {
	if s.cache != nil {
		snap, ok, err := s.cache.LoadSnapshot(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("catalog snapshot read failed")
		} else if ok {
			s.record(SourceCache, len(snap.Entries))
			return NewIndex(snap.Entries), nil
		}
	}
	snap, err := s.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return NewIndex(snap.Entries), nil
}

// Refresh pages through the upstream listing and stores a new snapshot.
func (s *Service) Refresh(ctx context.Context) (Snapshot, error) {
	entries, err := s.LoadAll(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Entries: entries, LoadedAt: s.now().UTC()}
	if s.cache != nil {
		if err := s.cache.StoreSnapshot(ctx, snap); err != nil {
			s.logger.Warn().Err(err).Msg("catalog snapshot write failed")
		}
	}
	s.record(SourceUpstream, len(entries))
	return snap, nil
}

// LoadAll reads every page until the reported count is reached or a short
// page is returned.
func (s *Service) LoadAll(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	skip := 0
	for page := 0; page < s.maxPages; page++ {
		res, err := s.source.ReadProducts(ctx, skip, s.pageSize)
		if err != nil {
			return nil, fmt.Errorf("read products (skip=%d): %w", skip, err)
		}
		entries = append(entries, res.Data...)
		skip += len(res.Data)
		if len(res.Data) < s.pageSize || (res.Count > 0 && skip >= res.Count) {
			break
		}
	}
	s.logger.Debug().Int("entries", len(entries)).Msg("catalog loaded from upstream")
	return entries, nil
}

func (s *Service) record(source string, n int) {
	if s.recorder != nil {
		s.recorder.CatalogLoaded(source, n)
	}
}
