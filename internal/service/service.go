package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bunkerpos/backend/internal/domain"
	"bunkerpos/backend/internal/events"
	"bunkerpos/backend/internal/metrics"
	"bunkerpos/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Settings are the ledger thresholds that come from configuration.
type Settings struct {
	LowStockThreshold     decimal.Decimal
	ShiftDiscrepancyLimit decimal.Decimal
	Location              *time.Location
}

// Service is the ledger engine. Every mutating method runs in exactly one
// repository unit of work and publishes its events only after commit.
type Service struct {
	repo     store.Repository
	events   events.Publisher
	metrics  *metrics.Metrics
	log      *zap.Logger
	settings Settings
	now      func() time.Time
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(repo store.Repository, settings Settings, opts ...Option) *Service {
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	if settings.LowStockThreshold.IsZero() {
		settings.LowStockThreshold = decimal.NewFromInt(500)
	}
	if settings.ShiftDiscrepancyLimit.IsZero() {
		settings.ShiftDiscrepancyLimit = decimal.NewFromInt(1)
	}
	s := &Service{
		repo:     repo,
		events:   events.NoopPublisher{},
		log:      zap.NewNop(),
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

func (s *Service) observe(op string, startedAt time.Time, err error) {
	s.metrics.ObserveOperation(op, startedAt, err)
	if err != nil {
		s.log.Debug("ledger operation rejected", zap.String("op", op), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, pending []events.Event) {
	actor := actorName(ctx)
	for _, event := range pending {
		if event.Actor == "" {
			event.Actor = actor
		}
		if event.OccurredAt.IsZero() {
			event.OccurredAt = s.now()
		}
		s.events.Publish(ctx, event)
	}
}

// lockProducts takes the product row locks in ascending id order.
func lockProducts(ctx context.Context, tx store.Tx, ids []string) (map[string]*domain.Product, error) {
	ordered := uniqueSorted(ids)
	locked := make(map[string]*domain.Product, len(ordered))
	for _, id := range ordered {
		product, err := tx.LockProduct(ctx, id)
		if err != nil {
			return nil, notFound("product", id, err)
		}
		locked[id] = product
	}
	return locked, nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func notFound(entity string, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", entity, id, domain.ErrNotFound)
	}
	return err
}

func appendNote(note string, addition string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return addition
	}
	return note + " " + addition
}

func formatLiters(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func formatRupiah(d decimal.Decimal) string {
	return "Rp " + d.StringFixed(0)
}
