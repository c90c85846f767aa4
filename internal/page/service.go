package page

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagestore/internal/metrics"
)

// Service is the entry point used by the HTTP layer and the CLI. It owns
// validation and the feed cap; atomicity is delegated to the Repository.
type Service struct {
	repo    Repository
	clock   Clock
	emitter Emitter
	logger  *zap.Logger
}

// NewService wires a repository with its collaborators. emitter and logger
// are optional.
func NewService(repo Repository, clock Clock, emitter Emitter, logger *zap.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("page repository is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
	}, nil
}

// Ingest records one observation. It returns ErrValidation for a missing URL
// and ErrStoreUnavailable when the repository fails; nothing is retried.
func (s *Service) Ingest(ctx context.Context, obs Observation) (IngestResult, error) {
	obs = obs.Normalize()
	if err := obs.Validate(); err != nil {
		metrics.ObserveIngest(metrics.ResultInvalid)
		return IngestResult{}, err
	}

	start := time.Now()
	res, err := s.repo.Upsert(ctx, obs, s.clock.Now())
	metrics.ObserveStoreDuration("upsert", time.Since(start))
	if err != nil {
		metrics.ObserveIngest(metrics.ResultError)
		s.logger.Warn("page upsert failed", zap.String("url", obs.URL), zap.Error(err))
		return IngestResult{}, asUnavailable(err)
	}

	if res.Created {
		metrics.ObserveIngest(metrics.ResultCreated)
	} else {
		metrics.ObserveIngest(metrics.ResultUpdated)
	}
	s.logger.Debug("page ingested",
		zap.String("url", res.Page.URL),
		zap.Bool("created", res.Created),
		zap.Int("links", len(res.Page.Links)),
	)
	if s.emitter != nil {
		evt := Event{
			ID:         uuid.NewString(),
			URL:        res.Page.URL,
			Created:    res.Created,
			LinksCount: len(res.Page.Links),
			At:         res.Page.UpdatedAt,
		}
		carrier := propagation.MapCarrier{}
		otel.GetTextMapPropagator().Inject(ctx, carrier)
		if len(carrier) > 0 {
			evt.Trace = carrier
		}
		s.emitter.Emit(evt)
	}
	return res, nil
}

// ListRecent returns the newest pages first, at most MaxLimit of them. An
// empty slice is a valid result; failures surface as ErrStoreUnavailable.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]Summary, error) {
	limit = ClampLimit(limit)

	start := time.Now()
	summaries, err := s.repo.ListRecent(ctx, limit)
	metrics.ObserveStoreDuration("list_recent", time.Since(start))
	if err != nil {
		metrics.ObserveList(metrics.ResultError)
		s.logger.Warn("list recent pages failed", zap.Int("limit", limit), zap.Error(err))
		return nil, asUnavailable(err)
	}
	metrics.ObserveList(metrics.ResultOK)
	if summaries == nil {
		summaries = []Summary{}
	}
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Ready reports whether the backing store answers.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return asUnavailable(err)
	}
	return nil
}

func asUnavailable(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
