package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/timberdb/coordinator/internal/client"
	"github.com/timberdb/coordinator/internal/metrics"
	"github.com/timberdb/coordinator/internal/model"
	"github.com/timberdb/coordinator/internal/store"
	"go.uber.org/zap"
)

// ErrAliasNotFound is returned when the rotation target alias does not exist.
var ErrAliasNotFound = errors.New("alias does not exist")

// ErrConfigSetRequired is returned when the alias metadata carries no
// configset under the create-collection namespace.
var ErrConfigSetRequired = errors.New("an explicit " + model.CreateCollectionPrefix + model.ConfigSetParam + " is required")

// RotateRequest is a rotation request keyed by alias name. ExpectedHead is an
// optional assertion used by concurrent callers to avoid redundant rotation
// races.
type RotateRequest struct {
	Alias        string
	ExpectedHead string
}

// RotateResult reports either the created (or adopted) collection now linked
// as the new head, or an informational no-op message.
type RotateResult struct {
	Collection string
	Message    string
}

// rotateDecision is the outcome of the pre-mutation decision table.
type rotateDecision int

const (
	decisionProceed rotateDecision = iota
	decisionStaleHead
	decisionFutureHead
)

// decideRotation evaluates the assertion-present/absent x head-past/future
// decision table in one place, so the no-op/mutate boundary stays auditable.
func decideRotation(expectedHead string, head model.PartitionEntry, now time.Time) rotateDecision {
	if expectedHead != "" {
		if expectedHead != head.Collection {
			return decisionStaleHead
		}
		return decisionProceed
	}
	if head.Timestamp.After(now) {
		return decisionFutureHead
	}
	return decisionProceed
}

// RotationService creates new partition collections and folds them into the
// alias registry. Callers must already hold the cluster-wide lock on the
// alias name; correctness relies on that lock plus idempotent creation, so
// the service never separately locks the collection it creates.
type RotationService struct {
	aliases          store.AliasStore
	collections      client.CollectionAdmin
	metrics          *metrics.Metrics
	readinessTimeout time.Duration
	maxCASRetries    int
	now              func() time.Time
	logger           *zap.Logger
}

// NewRotationService creates a new rotation service
func NewRotationService(
	aliases store.AliasStore,
	collections client.CollectionAdmin,
	m *metrics.Metrics,
	readinessTimeout time.Duration,
	maxCASRetries int,
	logger *zap.Logger,
) *RotationService {
	if maxCASRetries <= 0 {
		maxCASRetries = 5
	}
	return &RotationService{
		aliases:          aliases,
		collections:      collections,
		metrics:          m,
		readinessTimeout: readinessTimeout,
		maxCASRetries:    maxCASRetries,
		now:              time.Now,
		logger:           logger,
	}
}

// Rotate decides whether a new partition collection is due, creates it, and
// prepends it to the alias target list. Existing entries are never removed
// or reordered. The whole operation is safe to retry: a collection created
// by an earlier crashed attempt is adopted via the already-exists tolerance.
func (s *RotationService) Rotate(ctx context.Context, req RotateRequest) (*RotateResult, error) {
	start := s.now()

	result, err := s.rotate(ctx, req)

	elapsed := s.now().Sub(start).Seconds()
	switch {
	case err != nil:
		s.metrics.RecordRotation(req.Alias, "error", elapsed)
	case result.Collection != "":
		s.metrics.RecordRotation(req.Alias, "created", elapsed)
	default:
		s.metrics.RecordRotation(req.Alias, "noop", elapsed)
	}
	return result, err
}

func (s *RotationService) rotate(ctx context.Context, req RotateRequest) (*RotateResult, error) {
	alias, err := s.aliases.GetAlias(ctx, req.Alias)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("alias %s: %w", req.Alias, ErrAliasNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read alias %s: %w", req.Alias, err)
	}

	granularity, err := alias.Granularity()
	if err != nil {
		return nil, err
	}

	entries, err := model.ParsePartitionTargets(alias, granularity)
	if err != nil {
		return nil, err
	}
	head := entries[0]

	switch decideRotation(req.ExpectedHead, head, s.now()) {
	case decisionStaleHead:
		// An expected race among multiple concurrent writers, not a failure.
		msg := fmt.Sprintf("expected most recent collection %s but it is %s", req.ExpectedHead, head.Collection)
		if !alias.ContainsTarget(req.ExpectedHead) {
			msg += "; furthermore the expected collection is not referenced by the alias"
		}
		s.logger.Info("Rotation skipped on stale head assertion",
			zap.String("alias", req.Alias),
			zap.String("expected_head", req.ExpectedHead),
			zap.String("head", head.Collection))
		return &RotateResult{Message: msg}, nil
	case decisionFutureHead:
		msg := "most recent collection is in the future, so we won't create another"
		s.logger.Info("Rotation skipped on future-dated head",
			zap.String("alias", req.Alias),
			zap.String("head", head.Collection),
			zap.Time("head_timestamp", head.Timestamp))
		return &RotateResult{Message: msg}, nil
	}

	nextTimestamp := granularity.Next(head.Timestamp)
	createName := model.FormatCollectionName(req.Alias, nextTimestamp, granularity)

	params, err := s.creationParams(alias)
	if err != nil {
		return nil, err
	}

	if err := s.collections.CreateCollection(ctx, createName, params); err != nil {
		if !errors.Is(err, client.ErrCollectionExists) {
			return nil, fmt.Errorf("failed to create collection %s: %w", createName, err)
		}
		// The collection might already exist, and that's okay -- we adopt it.
		s.logger.Info("Adopting existing collection",
			zap.String("alias", req.Alias),
			zap.String("collection", createName))
	}

	if err := s.collections.WaitForActive(ctx, createName, s.readinessTimeout); err != nil {
		return nil, err
	}

	return s.linkCollection(ctx, req.Alias, createName)
}

// creationParams builds the creation request from all metadata entries under
// the create-collection namespace, prefix-stripped, and stamps the new
// collection with a back-reference to the owning alias.
func (s *RotationService) creationParams(alias *model.Alias) (map[string]string, error) {
	params := make(map[string]string)
	for k, v := range alias.Metadata {
		if strings.HasPrefix(k, model.CreateCollectionPrefix) {
			params[strings.TrimPrefix(k, model.CreateCollectionPrefix)] = v
		}
	}
	if params[model.ConfigSetParam] == "" {
		return nil, fmt.Errorf("alias %s: %w", alias.Name, ErrConfigSetRequired)
	}
	params[model.RoutedAliasProperty] = alias.Name
	return params, nil
}

// linkCollection re-reads the registry and prepends the collection via CAS,
// retrying on version conflicts with concurrent external writers.
func (s *RotationService) linkCollection(ctx context.Context, aliasName, collection string) (*RotateResult, error) {
	for attempt := 0; attempt < s.maxCASRetries; attempt++ {
		fresh, err := s.aliases.GetAlias(ctx, aliasName)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read alias %s: %w", aliasName, err)
		}

		if fresh.ContainsTarget(collection) {
			// Already linked by a concurrent caller.
			s.logger.Info("Collection already linked",
				zap.String("alias", aliasName),
				zap.String("collection", collection))
			return &RotateResult{Message: fmt.Sprintf("collection %s is already referenced by alias %s", collection, aliasName)}, nil
		}

		// Prepend on purpose: alias resolution always uses the first entry.
		targets := make([]string, 0, len(fresh.Targets)+1)
		targets = append(targets, collection)
		targets = append(targets, fresh.Targets...)

		err = s.aliases.CompareAndSwapTargets(ctx, aliasName, targets, fresh.Version)
		if err == nil {
			s.logger.Info("Alias rotated",
				zap.String("alias", aliasName),
				zap.String("collection", collection),
				zap.Int("targets", len(targets)))
			return &RotateResult{Collection: collection}, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("failed to update alias %s: %w", aliasName, err)
		}

		s.metrics.RecordCASConflict()
		s.logger.Debug("Alias update lost a write race, retrying",
			zap.String("alias", aliasName),
			zap.Int("attempt", attempt+1))
	}

	return nil, fmt.Errorf("gave up updating alias %s after %d version conflicts", aliasName, s.maxCASRetries)
}
