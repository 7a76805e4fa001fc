// Package app implements the preview pipeline: request normalization,
// in-flight deduplication, cache and subset lookup, the split-window
// planner and the budgeted sprint fetch loop.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	velocity "github.com/eugener/velocity/internal"
	"github.com/eugener/velocity/internal/cache"
	"github.com/eugener/velocity/internal/ratelimit"
	"github.com/eugener/velocity/internal/report"
	"github.com/eugener/velocity/internal/telemetry"
)

// How a preview was served, as reported to the Observer.
const (
	SourceExact    = "exact"
	SourceSubset   = "subset"
	SourceJoined   = "joined"
	SourceComputed = "computed"
	SourceError    = "error"
)

// Reasons recorded in Meta.PartialReason.
const (
	ReasonBudget    = "time budget exceeded"
	ReasonCancelled = "cancelled"
	ReasonSkipped   = "older sprints not cached"
	ReasonUpstream  = "upstream errors"
	ReasonDiscovery = "board discovery failed"
	ReasonAborted   = "aborted"
	ReasonInternal  = "internal error"
)

var tracer = telemetry.Tracer("github.com/eugener/velocity/internal/app")

// Observer receives one event per served preview.
type Observer interface {
	PreviewServed(source string, partial bool, elapsed time.Duration)
}

// Config holds preview pipeline tuning.
type Config struct {
	Budget        time.Duration // wall-clock fetch budget from request start
	ChunkSize     int           // sprints fetched concurrently per chunk
	MaxAttempts   int           // guard attempts per upstream call
	ResultTTL     time.Duration // complete previews
	PartialTTL    time.Duration // partial previews; shorter so they heal quickly
	SprintTTL     time.Duration // rows of closed sprints
	SubsetMaxAge  time.Duration // oldest entry the subset matcher may serve
	MaxWindowDays int
	Split         SplitPolicy
}

// DefaultConfig returns the stock pipeline settings.
func DefaultConfig() Config {
	return Config{
		Budget:        25 * time.Second,
		ChunkSize:     3,
		MaxAttempts:   3,
		ResultTTL:     10 * time.Minute,
		PartialTTL:    2 * time.Minute,
		SprintTTL:     6 * time.Hour,
		SubsetMaxAge:  30 * time.Minute,
		MaxWindowDays: DefaultMaxWindowDays,
		Split:         DefaultSplitPolicy(),
	}
}

// Deps holds the collaborators of a PreviewService. Tracker, Cache and
// Guard are required; nil Tasks disables background warming and refresh,
// nil Observer disables metrics.
type Deps struct {
	Tracker  velocity.Tracker
	Cache    *cache.Shared
	Guard    *ratelimit.Guard
	Tasks    velocity.TaskQueue
	Observer Observer
	Metrics  map[string]report.Func // defaults to report.Metrics
	Now      func() time.Time
}

// PreviewService generates sprint report previews. It owns the in-flight
// registry, so one instance must serve every request of a process.
type PreviewService struct {
	tracker  velocity.Tracker
	cache    *cache.Shared
	guard    *ratelimit.Guard
	tasks    velocity.TaskQueue
	obs      Observer
	metrics  map[string]report.Func
	now      func() time.Time
	cfg      Config
	inflight *inflight
}

// NewPreviewService returns a PreviewService. Zero config fields take
// their defaults.
func NewPreviewService(d Deps, cfg Config) *PreviewService {
	def := DefaultConfig()
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if cfg.PartialTTL <= 0 {
		cfg.PartialTTL = def.PartialTTL
	}
	if cfg.SprintTTL <= 0 {
		cfg.SprintTTL = def.SprintTTL
	}
	if cfg.MaxWindowDays <= 0 {
		cfg.MaxWindowDays = def.MaxWindowDays
	}
	if cfg.Split.ThresholdDays <= 0 {
		auto, load := cfg.Split.Auto, cfg.Split.LoadInFlight
		cfg.Split = def.Split
		cfg.Split.Auto, cfg.Split.LoadInFlight = auto, load
	}
	s := &PreviewService{
		tracker:  d.Tracker,
		cache:    d.Cache,
		guard:    d.Guard,
		tasks:    d.Tasks,
		obs:      d.Observer,
		metrics:  d.Metrics,
		now:      d.Now,
		cfg:      cfg,
		inflight: newInflight(),
	}
	if s.metrics == nil {
		s.metrics = report.Metrics
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// InFlight returns the number of previews currently being computed.
func (s *PreviewService) InFlight() int { return s.inflight.len() }

// Generate returns the preview for req. Validation failures return a
// *velocity.ValidationError; an upstream authentication failure aborts with
// an error wrapping velocity.ErrUnauthorized. Everything else degrades to a
// result flagged partial with a reason. Cancelling ctx stops the fetch loop
// between chunks and takes the partial path.
func (s *PreviewService) Generate(ctx context.Context, req velocity.PreviewRequest) (*velocity.PreviewResult, error) {
	start := s.now()
	req = Normalize(req)
	if err := Validate(req, s.cfg.MaxWindowDays); err != nil {
		s.observe(SourceError, false, start)
		return nil, err
	}
	key := CacheKey(req.Scope, req.Options)

	ctx, span := tracer.Start(ctx, "preview.generate", trace.WithAttributes(
		attribute.String("preview.key", key),
		attribute.Int("preview.projects", len(req.Scope.Projects)),
		attribute.Int("preview.days", req.Scope.Days()),
	))
	defer span.End()

	res, source, err := s.serve(ctx, key, req, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.observe(SourceError, false, start)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("preview.source", source),
		attribute.Bool("preview.partial", res.Meta.Partial),
	)
	s.observe(source, res.Meta.Partial, start)
	return res, nil
}

// serve runs the dedup and cache lookup states, computing on a full miss.
func (s *PreviewService) serve(ctx context.Context, key string, req velocity.PreviewRequest, start time.Time) (*velocity.PreviewResult, string, error) {
	useCache := !req.Control.BypassCache
	for {
		if useCache {
			if res, source, ok := s.lookup(ctx, key, req, start); ok {
				return res, source, nil
			}
		}
		done, owner := s.inflight.acquire(key)
		if owner {
			break
		}
		select {
		case <-done:
			// The owner persists before releasing, so its result is cached now.
			if res, ok := s.lookupExact(ctx, key, start); ok {
				return res, SourceJoined, nil
			}
			// Owner failed without a result; loop and possibly take over.
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	defer s.inflight.release(key)

	if useCache {
		// Another owner may have finished between lookup and acquire.
		if res, ok := s.lookupExact(ctx, key, start); ok {
			return res, SourceExact, nil
		}
	}
	res, err := s.compute(ctx, key, req, start)
	if err != nil {
		return nil, "", err
	}
	return res, SourceComputed, nil
}

// lookup checks the exact key, then the best subset when the caller allows it.
func (s *PreviewService) lookup(ctx context.Context, key string, req velocity.PreviewRequest, start time.Time) (*velocity.PreviewResult, string, bool) {
	if res, ok := s.lookupExact(ctx, key, start); ok {
		return res, SourceExact, true
	}
	if !req.Control.AllowSubset {
		return nil, "", false
	}

	now := s.now()
	subKey, e, ok := FindBestSubset(ctx, s.cache, req.Scope, s.cfg.SubsetMaxAge, now)
	if !ok {
		return nil, "", false
	}
	res, err := decodeResult(e.Value)
	if err != nil {
		s.cache.Delete(ctx, PreviewNamespace, subKey)
		return nil, "", false
	}
	s.annotateCached(res, e, subKey, start)
	res.Meta.Subset = true
	res.Meta.RequestedKey = key
	s.scheduleRefresh(key, req)
	return res, SourceSubset, true
}

func (s *PreviewService) lookupExact(ctx context.Context, key string, start time.Time) (*velocity.PreviewResult, bool) {
	e, ok := s.cache.Get(ctx, PreviewNamespace, key)
	if !ok {
		return nil, false
	}
	res, err := decodeResult(e.Value)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "dropping undecodable preview entry",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		s.cache.Delete(ctx, PreviewNamespace, key)
		return nil, false
	}
	s.annotateCached(res, e, key, start)
	res.Meta.RequestedKey = key
	return res, true
}

func (s *PreviewService) annotateCached(res *velocity.PreviewResult, e *cache.Entry, key string, start time.Time) {
	now := s.now()
	res.Meta.FromCache = true
	res.Meta.CacheKeyUsed = key
	res.Meta.CacheAgeSeconds = e.Age(now).Seconds()
	res.Meta.ElapsedMs = now.Sub(start).Milliseconds()
}

// scheduleRefresh queues a background computation of the exact scope
// after a subset hit.
func (s *PreviewService) scheduleRefresh(key string, req velocity.PreviewRequest) {
	if s.tasks == nil {
		return
	}
	exact := req
	exact.Control.AllowSubset = false
	exact.Control.BypassCache = false
	s.tasks.Enqueue(velocity.Task{
		ID: "refresh:" + key,
		Run: func(ctx context.Context) error {
			_, err := s.Generate(ctx, exact)
			return err
		},
	})
}

// compute runs the fetch and assemble states and persists the result. On
// an abort or panic after rows were accumulated it persists what it has,
// flagged partial, before reporting the original failure.
func (s *PreviewService) compute(ctx context.Context, key string, req velocity.PreviewRequest, start time.Time) (*velocity.PreviewResult, error) {
	res := &velocity.PreviewResult{
		Meta: velocity.Meta{
			CacheKeyUsed: key,
			RequestedKey: key,
			Scope:        req.Scope,
			Options:      req.Options,
		},
		Rows: []velocity.Row{},
	}
	defer func() {
		if r := recover(); r != nil {
			slog.LogAttrs(ctx, slog.LevelError, "preview panicked",
				slog.String("key", key),
				slog.Any("panic", r),
			)
			s.persistAfterFailure(ctx, key, res, ReasonInternal, start)
			panic(r)
		}
	}()

	if err := s.fetch(ctx, req, start, res); err != nil {
		s.persistAfterFailure(ctx, key, res, ReasonAborted, start)
		return nil, err
	}
	if !res.Meta.Partial && ctx.Err() == nil {
		s.assemble(ctx, req, res)
	}
	s.finish(res, start)
	s.store(ctx, key, res)
	return res, nil
}

// assemble computes every requested metric. A failing or panicking metric
// is recorded in Meta.MetricErrors and does not affect the others.
func (s *PreviewService) assemble(ctx context.Context, req velocity.PreviewRequest, res *velocity.PreviewResult) {
	for _, flag := range enabledFlags(req.Options) {
		fn, ok := s.metrics[flag]
		if !ok {
			continue
		}
		raw, err := runMetric(fn, res.Rows)
		if err != nil {
			if res.Meta.MetricErrors == nil {
				res.Meta.MetricErrors = make(map[string]string)
			}
			res.Meta.MetricErrors[flag] = err.Error()
			slog.LogAttrs(ctx, slog.LevelWarn, "metric failed",
				slog.String("metric", flag),
				slog.String("error", err.Error()),
			)
			continue
		}
		if res.Metrics == nil {
			res.Metrics = make(map[string]json.RawMessage)
		}
		res.Metrics[flag] = raw
	}
}

func runMetric(fn report.Func, rows []velocity.Row) (raw json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	v, err := fn(rows)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (s *PreviewService) finish(res *velocity.PreviewResult, start time.Time) {
	now := s.now()
	res.Meta.GeneratedAt = now.UTC()
	res.Meta.ElapsedMs = now.Sub(start).Milliseconds()
}

// store writes res with the complete or partial TTL. The write survives
// cancellation of ctx.
func (s *PreviewService) store(ctx context.Context, key string, res *velocity.PreviewResult) {
	raw, err := json.Marshal(res)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "encode preview failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}
	ttl := s.cfg.ResultTTL
	if res.Meta.Partial {
		ttl = s.cfg.PartialTTL
	}
	s.cache.Set(context.WithoutCancel(ctx), PreviewNamespace, key, raw, ttl)
}

// persistAfterFailure stores accumulated rows as a partial result.
// Secondary failures are swallowed.
func (s *PreviewService) persistAfterFailure(ctx context.Context, key string, res *velocity.PreviewResult, reason string, start time.Time) {
	if len(res.Rows) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.LogAttrs(ctx, slog.LevelError, "persist partial preview failed",
				slog.String("key", key),
				slog.Any("panic", r),
			)
		}
	}()
	markPartial(res, reason)
	sortRows(res.Rows)
	s.finish(res, start)
	s.store(ctx, key, res)
}

func (s *PreviewService) observe(source string, partial bool, start time.Time) {
	if s.obs != nil {
		s.obs.PreviewServed(source, partial, s.now().Sub(start))
	}
}

func decodeResult(raw []byte) (*velocity.PreviewResult, error) {
	var res velocity.PreviewResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	if res.Rows == nil {
		res.Rows = []velocity.Row{}
	}
	return &res, nil
}

func markPartial(res *velocity.PreviewResult, reason string) {
	res.Meta.Partial = true
	if res.Meta.PartialReason == "" {
		res.Meta.PartialReason = reason
	}
}
