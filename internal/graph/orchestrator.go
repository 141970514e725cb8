package graph

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// retryBaseDelay sets the retry schedule for one graph-store call:
// retryBaseDelay * 2^attempt.
const retryBaseDelay = 50 * time.Millisecond

// Engine bundles a GraphStore with the config and logger that drive
// exploration. It is the package's external entry point.
type Engine struct {
	store  GraphStore
	config Config
	logger *zap.Logger
}

// NewEngine builds an Engine. config is validated eagerly so a bad config
// fails before any seed work starts.
func NewEngine(store GraphStore, config Config, logger *zap.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Engine{store: store, config: config, logger: logger.Named("graph.engine")}, nil
}

// Explore runs one spreading-activation retrieval per seed concurrently
// and streams each seed's RetrievalResult back as soon as it finishes, in
// whatever order completion happens to land — never batched, never
// reordered to match the input. A fatal failure on one seed is reported in
// that seed's own result and never aborts its siblings.
func (e *Engine) Explore(ctx context.Context, seeds []SeedInput, queryTags []string) (<-chan RetrievalResult, error) {
	if err := validateSeeds(seeds); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	// Unbuffered: a result sits with its producing goroutine until the
	// caller drains it, so a slow consumer applies backpressure instead of
	// letting finished-but-unread results pile up in memory.
	out := make(chan RetrievalResult)

	var wg sync.WaitGroup
	wg.Add(len(seeds))
	for _, seed := range seeds {
		seed := seed
		go func() {
			defer wg.Done()
			result := e.exploreSingle(ctx, requestID, seed, queryTags)
			select {
			case out <- result:
			case <-ctx.Done():
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

// exploreSingle runs the full BFS for one seed: fetch, then expand rounds
// until the frontier runs dry or the depth bound is hit. Every call that
// touches the graph store goes through retryWithBackoff so a transient
// dial hiccup does not fail the whole seed.
func (e *Engine) exploreSingle(ctx context.Context, requestID string, seed SeedInput, queryTags []string) RetrievalResult {
	log := e.logger.With(zap.String("request_id", requestID), zap.String("seed", seed.NodeID))

	fetched, err := retryWithBackoff(ctx, e.config.MaxRetries, func() (SeedFetchResult, error) {
		return e.store.FetchSeed(ctx, seed.NodeID)
	})
	if err != nil {
		log.Warn("seed fetch failed", zap.Error(err))
		return RetrievalResult{
			Seed:             seed,
			TerminatedReason: TerminatedCancelled,
			RequestID:        requestID,
			Err:              &SeedFatalError{SeedID: seed.NodeID, Err: err},
		}
	}
	if !fetched.Found {
		log.Info("seed not found")
		return RetrievalResult{Seed: seed, TerminatedReason: TerminatedSeedNotFound, RequestID: requestID}
	}

	state := NewTraversalState(*fetched.Node, seed.Score, e.config)
	reason := TerminatedNoMorePaths

	for {
		select {
		case <-ctx.Done():
			reason = TerminatedCancelled
		default:
		}
		if reason == TerminatedCancelled {
			break
		}
		if state.AtMaxDepth() {
			reason = TerminatedMaxDepth
			break
		}

		frontierInputs := state.BuildFrontierInputs()
		if len(frontierInputs) == 0 {
			reason = TerminatedNoMorePaths
			break
		}

		candidates, err := retryWithBackoff(ctx, e.config.MaxRetries, func() ([]ExpansionCandidate, error) {
			return e.store.ExpandFrontier(ctx, frontierInputs, state.Visited(), queryTags, e.config.TagSimFloor, e.config.MinActivation)
		})
		if err != nil {
			log.Warn("frontier expansion failed", zap.Int("depth", state.Depth()), zap.Error(err))
			return RetrievalResult{
				Seed:             seed,
				SeedNode:         fetched.Node,
				Paths:            state.CompletedPaths(),
				MaxDepthReached:  state.Depth(),
				TerminatedReason: TerminatedCancelled,
				RequestID:        requestID,
				Err:              &SeedFatalError{SeedID: seed.NodeID, Err: err},
			}
		}

		state.Advance(candidates)
		if len(state.Frontier()) == 0 {
			reason = TerminatedNoMorePaths
			break
		}
	}

	state.FinalizeRemaining()
	log.Debug("exploration complete",
		zap.Int("paths", len(state.CompletedPaths())),
		zap.Int("depth", state.Depth()),
		zap.String("reason", string(reason)))

	return RetrievalResult{
		Seed:             seed,
		SeedNode:         fetched.Node,
		Paths:            state.CompletedPaths(),
		MaxDepthReached:  state.Depth(),
		TerminatedReason: reason,
		RequestID:        requestID,
	}
}

// retryWithBackoff retries fn while it returns a TransientError, sleeping
// retryBaseDelay * 2^attempt between attempts: one initial attempt plus up
// to maxRetries retries.
// A PreconditionError or any other error is returned immediately —
// only a graph-store connectivity blip is worth retrying.
func retryWithBackoff[T any](ctx context.Context, maxRetries int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return zero, err
		}
		if attempt == maxRetries {
			break
		}
		delay := time.Duration(float64(retryBaseDelay) * math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}
