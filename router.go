package routergw

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/routergw/router/internal/circuitbreaker"
	"github.com/routergw/router/internal/logging"
	"github.com/routergw/router/internal/metrics"
	"github.com/routergw/router/internal/ratelimiter"
	"github.com/routergw/router/internal/registry"
	"github.com/routergw/router/internal/requestbuilder"
	"github.com/routergw/router/internal/requestlog"
	"github.com/routergw/router/internal/retry"
	"github.com/routergw/router/internal/routererr"
	"github.com/routergw/router/internal/selector"
	"github.com/routergw/router/internal/state"
	"github.com/routergw/router/plugin"
	"github.com/routergw/router/providers"
)

// RouterMeta carries the `_router` response envelope described in spec §6.
type RouterMeta struct {
	Provider     string                    `json:"provider"`
	ModelName    string                    `json:"model_name"`
	Attempts     int                       `json:"attempts"`
	FallbackUsed bool                      `json:"fallback_used"`
	Errors       []routererr.AttemptError  `json:"errors,omitempty"`
	Data         interface{}               `json:"data,omitempty"`
}

// Result wraps a provider response with routing metadata.
type Result struct {
	Response *providers.Response
	Meta     RouterMeta
}

// Router is the orchestrator: per spec.md §4.9, it negotiates Selector,
// Rate Limiter, Circuit Breaker, a Provider adapter, and the Retry Handler
// until success, exhaustion, cancellation, or fallback. Grounded on
// gateway.go's Route/RouteStream, generalized from single-strategy dispatch
// to the full selection→rate-limit→attempt→retry→fallback loop.
type Router struct {
	cfg       Config
	reg       *registry.Registry
	breaker   *circuitbreaker.Breaker
	limiter   *ratelimiter.Limiter
	sel       *selector.Selector
	store     state.Store
	providers map[string]providers.Provider
	plugins   *plugin.Manager
	logs      requestlog.Writer
	log       *slog.Logger

	mu          sync.RWMutex
	shutdown    bool
	activeWG    sync.WaitGroup
	shutdownCtx context.Context
	cancelAll   context.CancelFunc
}

// New builds a Router from cfg, loading the model registry and constructing
// the circuit breaker, rate limiter, and selector over the given state
// store. Providers must be registered separately via RegisterProvider.
func New(cfg Config, store state.Store, log *slog.Logger) (*Router, error) {
	if log == nil {
		log = slog.Default()
	}
	reg := registry.New(registryLogAdapter{log})
	if err := reg.Load(cfg.ModelCatalogPath, cfg.ModelOverrides); err != nil {
		return nil, err
	}

	breaker := circuitbreaker.New(store, cfg.CircuitBreaker)
	limiter := ratelimiter.New(store, cfg.ModelRequestsPerMinute)
	sel := selector.New(reg, breaker, store)
	plugins, err := loadPlugins(cfg.Plugins)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:         cfg,
		reg:         reg,
		breaker:     breaker,
		limiter:     limiter,
		sel:         sel,
		store:       store,
		providers:   make(map[string]providers.Provider),
		plugins:     plugins,
		logs:        requestlog.NoopWriter{},
		log:         log,
		shutdownCtx: ctx,
		cancelAll:   cancel,
	}, nil
}

// loadPlugins resolves each configured plugin by name from the plugin
// registry, initializes it with its configured settings, and registers it at
// its configured stage.
func loadPlugins(cfgs []PluginConfig) (*plugin.Manager, error) {
	mgr := plugin.NewManager()
	for _, pc := range cfgs {
		if !pc.Enabled {
			continue
		}
		factory, ok := plugin.GetFactory(pc.Name)
		if !ok {
			return nil, fmt.Errorf("unknown plugin: %q", pc.Name)
		}
		p := factory()
		if err := p.Init(pc.Config); err != nil {
			return nil, fmt.Errorf("init plugin %q: %w", pc.Name, err)
		}
		if err := mgr.Register(plugin.Stage(pc.Stage), p); err != nil {
			return nil, fmt.Errorf("register plugin %q: %w", pc.Name, err)
		}
	}
	return mgr, nil
}

type registryLogAdapter struct{ log *slog.Logger }

func (a registryLogAdapter) Warn(msg string, args ...any) { a.log.Warn(msg, args...) }

// RegisterProvider makes p available to the router under its own Name().
func (r *Router) RegisterProvider(p providers.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// SetRequestLogWriter installs w as the destination for attempt-level
// routing log entries (model tried, outcome, error code, latency). Left as
// a NoopWriter until set, so routing never blocks on log storage by
// default.
func (r *Router) SetRequestLogWriter(w requestlog.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = w
}

// logAttempt records one routing attempt, per spec §4.13. Writes happen in
// a detached goroutine so a slow log backend never adds latency to the
// request path; failures are logged and otherwise swallowed.
func (r *Router) logAttempt(provider, model string, success bool, latencyMs int64, code int, attemptErr error) {
	r.mu.RLock()
	w := r.logs
	r.mu.RUnlock()
	if w == nil {
		return
	}

	stage := "attempt_success"
	errMsg := ""
	if !success {
		stage = "attempt_error"
		if attemptErr != nil {
			errMsg = attemptErr.Error()
		}
	}
	entry := requestlog.Entry{
		Stage:        stage,
		Model:        model,
		Provider:     provider,
		LatencyMs:    latencyMs,
		Code:         code,
		ErrorMessage: errMsg,
		CreatedAt:    time.Now().UTC(),
	}
	go func() {
		if err := w.Write(context.Background(), entry); err != nil {
			r.log.Warn("request log write failed", "error", err.Error())
		}
	}()
}

// Registry exposes the loaded model registry for admin/listing surfaces.
func (r *Router) Registry() *registry.Registry { return r.reg }

// Store exposes the state backend for admin surfaces (spec §4.10).
func (r *Router) Store() state.Store { return r.store }

// GetConfig returns the Router's current configuration snapshot, for admin
// config-management endpoints.
func (r *Router) GetConfig() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// ReloadConfig validates cfg, reloads the model registry from its catalog
// path/overrides, and rebuilds the circuit breaker, rate limiter, and
// selector against the new thresholds. Registered providers and the state
// backend connection are left untouched. Returns an error (and leaves the
// Router unchanged) if cfg is invalid or the new catalog fails to load.
func (r *Router) ReloadConfig(cfg Config) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}

	reg := registry.New(registryLogAdapter{r.log})
	if err := reg.Load(cfg.ModelCatalogPath, cfg.ModelOverrides); err != nil {
		return err
	}

	breaker := circuitbreaker.New(r.store, cfg.CircuitBreaker)
	limiter := ratelimiter.New(r.store, cfg.ModelRequestsPerMinute)
	sel := selector.New(reg, breaker, r.store)
	plugins, err := loadPlugins(cfg.Plugins)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cfg = cfg
	r.reg = reg
	r.breaker = breaker
	r.limiter = limiter
	r.sel = sel
	r.plugins = plugins
	r.mu.Unlock()
	return nil
}

// ── Graceful shutdown coordinator (spec §5) ─────────────────────────────────

// BeginRequest registers an in-flight request with the shutdown coordinator.
// It returns a context merged with the shutdown signal, and a done function
// that must be called when the request finishes. If shutdown is already in
// progress, ok is false and the caller must fail with RequestCancelled.
func (r *Router) BeginRequest(ctx context.Context) (reqCtx context.Context, done func(), ok bool) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ctx, func() {}, false
	}
	r.activeWG.Add(1)
	r.mu.Unlock()

	merged, cancel := mergeContexts(ctx, r.shutdownCtx)
	return merged, func() {
		cancel()
		r.activeWG.Done()
	}, true
}

// Shutdown refuses new requests, waits up to cfg.ShutdownTimeout for active
// requests to finish, then cancels every remaining one.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		r.activeWG.Wait()
		close(waitDone)
	}()

	timeout := r.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-waitDone:
	case <-time.After(timeout):
		r.cancelAll()
	case <-ctx.Done():
		r.cancelAll()
	}
	return r.store.Close()
}

func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := make(chan struct{})
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}

// ── Model input parsing (spec §6) ───────────────────────────────────────────

// parseModelInput interprets the DTO's model field: a bare string, "auto",
// or an ordered priority list, possibly with "provider/name" entries.
func parseModelInput(model interface{}) (targets []selector.PriorityTarget, allowAuto bool) {
	var items []string
	switch v := model.(type) {
	case string:
		items = []string{v}
	case []string:
		items = v
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok {
				items = append(items, s)
			}
		}
	}

	for _, item := range items {
		if item == "auto" {
			allowAuto = true
			continue
		}
		if idx := strings.IndexByte(item, '/'); idx >= 0 {
			targets = append(targets, selector.PriorityTarget{Provider: item[:idx], Name: item[idx+1:]})
		} else {
			targets = append(targets, selector.PriorityTarget{Name: item})
		}
	}
	return targets, allowAuto
}

func buildCriteria(req requestbuilder.ChatCompletionRequest) selector.Criteria {
	filter := registry.Criteria{
		Tags:               registry.ParseTagGroups(req.Tags),
		Type:               registry.ModelType(req.Type),
		MinContextSize:     req.MinContextSize,
		JSONResponse:       req.JSONResponse,
		SupportsVision:     req.SupportsVision || requestbuilder.HasImageContent(req.Messages),
	}
	mode := selector.ModeWeightedRandom
	return selector.Criteria{
		Filter:         filter,
		ExcludeModels:  req.ExcludeModels,
		PreferFast:     req.PreferFast,
		MinSuccessRate: req.MinSuccessRate,
		SelectionMode:  mode,
	}
}

func isTransient(err error) bool {
	var ae *attemptFailure
	if !asAttemptFailure(err, &ae) {
		return false
	}
	if ae.code == 0 {
		return true // network error / timeout, no HTTP status observed
	}
	if ae.code == 429 {
		return true
	}
	return ae.code >= 500
}

// attemptFailure wraps a single provider-call failure with its classified
// HTTP status code, letting isTransient/errorCode extraction work uniformly
// whether the adapter returned a bare error or a *providers error with a
// status code attached.
type attemptFailure struct {
	err  error
	code int
}

func (a *attemptFailure) Error() string { return a.err.Error() }
func (a *attemptFailure) Unwrap() error { return a.err }

func asAttemptFailure(err error, target **attemptFailure) bool {
	if af, ok := err.(*attemptFailure); ok {
		*target = af
		return true
	}
	return false
}

// StatusCoder is implemented by provider errors that carry an HTTP status,
// letting the router classify 404/429/5xx without depending on any single
// vendor SDK's error type.
type StatusCoder interface {
	StatusCode() int
}

func classifyProviderError(err error) *attemptFailure {
	code := 0
	if sc, ok := err.(StatusCoder); ok {
		code = sc.StatusCode()
	}
	return &attemptFailure{err: err, code: code}
}

// Route executes the full spec §4.9 routing loop for one non-streaming
// request.
func (r *Router) Route(ctx context.Context, req requestbuilder.ChatCompletionRequest) (*Result, error) {
	reqCtx, done, ok := r.BeginRequest(ctx)
	defer done()
	if !ok {
		return nil, &routererr.RequestCancelledError{Reason: routererr.CancelShutdown}
	}

	timeoutSecs := r.cfg.Routing.TimeoutSecs
	if req.TimeoutSecs != nil && *req.TimeoutSecs > 0 && *req.TimeoutSecs <= 600 {
		timeoutSecs = *req.TimeoutSecs
	}
	reqCtx, cancelTimeout := context.WithTimeout(reqCtx, time.Duration(timeoutSecs)*time.Second)
	defer cancelTimeout()

	log := logging.FromContext(reqCtx)

	maxSwitches := r.cfg.Routing.MaxModelSwitches
	if req.MaxModelSwitches != nil {
		maxSwitches = *req.MaxModelSwitches
	}
	maxRetries := r.cfg.Routing.MaxSameModelRetries
	if req.MaxSameModelRetries != nil {
		maxRetries = *req.MaxSameModelRetries
	}
	retryDelay := r.cfg.Routing.RetryDelay
	if req.RetryDelayMs != nil {
		retryDelay = time.Duration(*req.RetryDelayMs) * time.Millisecond
	}

	priorityList, allowAuto := parseModelInput(req.Model)
	criteria := buildCriteria(req)

	var attemptList []string
	var errs []routererr.AttemptError
	modelSwitches := 0

	for modelSwitches <= maxSwitches {
		var candidate registry.ModelDefinition
		var found bool
		var err error

		if len(priorityList) > 0 {
			next := priorityList[0]
			priorityList = priorityList[1:]
			candidate, found = r.reg.FindByNameAndProvider(next.Name, next.Provider)
			if found {
				admitted, cerr := r.breaker.CanRequest(reqCtx, candidate.Name)
				if cerr != nil {
					return nil, cerr
				}
				if !admitted {
					found = false
				}
			}
			if !found {
				errs = append(errs, routererr.AttemptError{Model: next.Name, Error: "not admitted or unresolved"})
				continue
			}
		} else if allowAuto {
			candidate, found, err = r.sel.Select(reqCtx, criteria)
			if err != nil {
				return nil, err
			}
			if !found {
				break
			}
		} else {
			break
		}

		allowed, rlErr := r.limiter.CheckModel(reqCtx, candidate.Name)
		if rlErr != nil {
			return nil, rlErr
		}
		if !allowed {
			errs = append(errs, routererr.AttemptError{Model: candidate.Name, Provider: candidate.Provider, Error: "rate_limited"})
			modelSwitches++
			continue
		}

		attemptList = append(attemptList, candidate.Name)

		provider, pok := r.providerFor(candidate.Provider)
		if !pok {
			return nil, &routererr.ProviderNotFoundError{Provider: candidate.Provider}
		}

		params := requestbuilder.Build(req)
		params.Model = candidate.ModelID

		pctx := plugin.NewContext(&params)
		if err := r.plugins.RunBefore(reqCtx, pctx); err != nil {
			return nil, &routererr.PluginRejectedError{Reason: err.Error()}
		}

		start := time.Now()
		var resp *providers.Response
		retryErr := retry.ExecuteWithRetry(reqCtx, retry.Options{
			MaxRetries:  maxRetries,
			RetryDelay:  retryDelay,
			ShouldRetry: isTransient,
			OnRetry: func(attempt int, err error) {
				log.Warn("retrying model", "model", candidate.Name, "attempt", attempt, "error", err.Error())
			},
		}, func(ctx context.Context) error {
			r, callErr := provider.Complete(ctx, params)
			if callErr != nil {
				return classifyProviderError(callErr)
			}
			resp = r
			return nil
		})
		latencyMs := time.Since(start).Milliseconds()

		if retryErr == nil {
			pctx.Response = resp
			if err := r.plugins.RunAfter(reqCtx, pctx); err != nil {
				return nil, err
			}
			if err := r.breaker.OnSuccess(reqCtx, candidate.Name, latencyMs); err != nil {
				return nil, err
			}
			r.logAttempt(candidate.Provider, candidate.Name, true, latencyMs, 0, nil)
			metrics.RequestsTotal.WithLabelValues(candidate.Provider, candidate.Name, "success").Inc()
			metrics.RequestDuration.WithLabelValues(candidate.Provider, candidate.Name).Observe(time.Since(start).Seconds())
			return r.finalizeSuccess(resp, candidate, attemptList, errs, false, req.JSONResponse), nil
		}

		if retryErr == routererr.ErrCancelled {
			return nil, &routererr.RequestCancelledError{Reason: cancelReason(reqCtx)}
		}

		pctx.Error = retryErr
		r.plugins.RunOnError(reqCtx, pctx)

		code := 0
		if af, ok := retryErr.(*attemptFailure); ok {
			code = af.code
		}
		if err := r.breaker.OnFailure(reqCtx, candidate.Name, code, latencyMs); err != nil {
			return nil, err
		}
		r.logAttempt(candidate.Provider, candidate.Name, false, latencyMs, code, retryErr)
		metrics.RequestsTotal.WithLabelValues(candidate.Provider, candidate.Name, "error").Inc()
		errs = append(errs, routererr.AttemptError{Provider: candidate.Provider, Model: candidate.Name, Error: retryErr.Error(), Code: code})
		modelSwitches++
	}

	// Fallback phase.
	if r.cfg.Routing.FallbackEnabled {
		fallbackProvider := r.cfg.Routing.FallbackProvider
		fallbackModel := r.cfg.Routing.FallbackModel
		if req.FallbackProvider != "" {
			fallbackProvider = req.FallbackProvider
		}
		if req.FallbackModel != "" {
			fallbackModel = req.FallbackModel
		}
		if fallbackModel != "" && !contains(attemptList, fallbackModel) {
			candidate, found := r.reg.FindByNameAndProvider(fallbackModel, fallbackProvider)
			if found {
				admitted, err := r.breaker.CanRequest(reqCtx, candidate.Name)
				if err == nil && admitted {
					if err := r.store.RecordFallbackUsage(reqCtx); err != nil {
						return nil, err
					}
					res, fbErr := r.attemptOnce(reqCtx, candidate, req, maxRetries, retryDelay, log)
					if fbErr == nil {
						res.Meta.Attempts = len(attemptList) + 1
						res.Meta.FallbackUsed = true
						res.Meta.Errors = errs
						return res, nil
					}
					errs = append(errs, routererr.AttemptError{Provider: candidate.Provider, Model: candidate.Name, Error: fbErr.Error()})
				}
			}
		}
	}

	return nil, &routererr.AllModelsFailedError{Attempts: errs}
}

func (r *Router) attemptOnce(ctx context.Context, candidate registry.ModelDefinition, req requestbuilder.ChatCompletionRequest, maxRetries int, retryDelay time.Duration, log *slog.Logger) (*Result, error) {
	provider, ok := r.providerFor(candidate.Provider)
	if !ok {
		return nil, &routererr.ProviderNotFoundError{Provider: candidate.Provider}
	}
	params := requestbuilder.Build(req)
	params.Model = candidate.ModelID

	pctx := plugin.NewContext(&params)
	if err := r.plugins.RunBefore(ctx, pctx); err != nil {
		return nil, &routererr.PluginRejectedError{Reason: err.Error()}
	}

	start := time.Now()
	var resp *providers.Response
	retryErr := retry.ExecuteWithRetry(ctx, retry.Options{
		MaxRetries:  maxRetries,
		RetryDelay:  retryDelay,
		ShouldRetry: isTransient,
	}, func(ctx context.Context) error {
		r, callErr := provider.Complete(ctx, params)
		if callErr != nil {
			return classifyProviderError(callErr)
		}
		resp = r
		return nil
	})
	latencyMs := time.Since(start).Milliseconds()

	if retryErr != nil {
		pctx.Error = retryErr
		r.plugins.RunOnError(ctx, pctx)
		code := 0
		if af, ok := retryErr.(*attemptFailure); ok {
			code = af.code
		}
		_ = r.breaker.OnFailure(ctx, candidate.Name, code, latencyMs)
		r.logAttempt(candidate.Provider, candidate.Name, false, latencyMs, code, retryErr)
		return nil, retryErr
	}
	pctx.Response = resp
	if err := r.plugins.RunAfter(ctx, pctx); err != nil {
		return nil, err
	}
	_ = r.breaker.OnSuccess(ctx, candidate.Name, latencyMs)
	r.logAttempt(candidate.Provider, candidate.Name, true, latencyMs, 0, nil)
	return r.finalizeSuccess(resp, candidate, nil, nil, true, req.JSONResponse), nil
}

func (r *Router) finalizeSuccess(resp *providers.Response, model registry.ModelDefinition, attemptList []string, errs []routererr.AttemptError, fallbackUsed bool, jsonResponse bool) *Result {
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	resp.Model = model.Name
	resp.Provider = model.Provider

	meta := RouterMeta{
		Provider:     model.Provider,
		ModelName:    model.Name,
		Attempts:     len(attemptList),
		FallbackUsed: fallbackUsed,
		Errors:       errs,
	}
	if jsonResponse && len(resp.Choices) > 0 {
		var data interface{}
		if json.Unmarshal([]byte(resp.Choices[0].Message.Content), &data) == nil {
			meta.Data = data
		}
	}
	return &Result{Response: resp, Meta: meta}
}

func (r *Router) providerFor(name string) (providers.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cancelReason(ctx context.Context) routererr.CancelReason {
	if ctx.Err() == context.DeadlineExceeded {
		return routererr.CancelTimeout
	}
	return routererr.CancelClientDisconnect
}

// RouteStream executes the spec §4.9 routing loop in streaming mode. Once
// any chunk has been delivered on the returned channel, model-switch retries
// are not performed — a mid-stream failure terminates the response with an
// error chunk, per spec §4.9 "Streaming mode".
func (r *Router) RouteStream(ctx context.Context, req requestbuilder.ChatCompletionRequest) (<-chan providers.StreamChunk, error) {
	reqCtx, done, ok := r.BeginRequest(ctx)
	if !ok {
		done()
		return nil, &routererr.RequestCancelledError{Reason: routererr.CancelShutdown}
	}

	timeoutSecs := r.cfg.Routing.TimeoutSecs
	if req.TimeoutSecs != nil && *req.TimeoutSecs > 0 && *req.TimeoutSecs <= 600 {
		timeoutSecs = *req.TimeoutSecs
	}
	reqCtx, cancelTimeout := context.WithTimeout(reqCtx, time.Duration(timeoutSecs)*time.Second)

	priorityList, allowAuto := parseModelInput(req.Model)
	criteria := buildCriteria(req)
	maxSwitches := r.cfg.Routing.MaxModelSwitches
	if req.MaxModelSwitches != nil {
		maxSwitches = *req.MaxModelSwitches
	}

	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		defer cancelTimeout()
		defer done()

		var attemptList []string
		var errs []routererr.AttemptError
		modelSwitches := 0
		for modelSwitches <= maxSwitches {
			var candidate registry.ModelDefinition
			var found bool

			if len(priorityList) > 0 {
				next := priorityList[0]
				priorityList = priorityList[1:]
				candidate, found = r.reg.FindByNameAndProvider(next.Name, next.Provider)
				if found {
					admitted, err := r.breaker.CanRequest(reqCtx, candidate.Name)
					if err != nil || !admitted {
						found = false
					}
				}
				if !found {
					modelSwitches++
					continue
				}
			} else if allowAuto {
				var err error
				candidate, found, err = r.sel.Select(reqCtx, criteria)
				if err != nil || !found {
					out <- providers.StreamChunk{Error: &routererr.AllModelsFailedError{}}
					return
				}
			} else {
				out <- providers.StreamChunk{Error: &routererr.AllModelsFailedError{}}
				return
			}

			allowed, err := r.limiter.CheckModel(reqCtx, candidate.Name)
			if err != nil || !allowed {
				modelSwitches++
				continue
			}

			provider, pok := r.providerFor(candidate.Provider)
			if !pok {
				modelSwitches++
				continue
			}
			sp, spok := provider.(providers.StreamProvider)
			if !spok {
				modelSwitches++
				continue
			}

			params := requestbuilder.Build(req)
			params.Model = candidate.ModelID

			pctx := plugin.NewContext(&params)
			if err := r.plugins.RunBefore(reqCtx, pctx); err != nil {
				out <- providers.StreamChunk{Error: &routererr.PluginRejectedError{Reason: err.Error()}}
				return
			}

			attemptList = append(attemptList, candidate.Name)

			start := time.Now()
			ch, streamErr := sp.CompleteStream(reqCtx, params)
			if streamErr != nil {
				pctx.Error = streamErr
				r.plugins.RunOnError(reqCtx, pctx)
				latencyMs := time.Since(start).Milliseconds()
				_ = r.breaker.OnFailure(reqCtx, candidate.Name, 0, latencyMs)
				r.logAttempt(candidate.Provider, candidate.Name, false, latencyMs, 0, streamErr)
				errs = append(errs, routererr.AttemptError{Provider: candidate.Provider, Model: candidate.Name, Error: streamErr.Error()})
				modelSwitches++
				continue
			}

			first := true
			for chunk := range ch {
				if first {
					first = false
					chunk.Router = &RouterMeta{
						Provider:     candidate.Provider,
						ModelName:    candidate.Name,
						Attempts:     len(attemptList),
						FallbackUsed: false,
						Errors:       errs,
					}
				}
				if chunk.Error != nil {
					pctx.Error = chunk.Error
					r.plugins.RunOnError(reqCtx, pctx)
					out <- chunk
					latencyMs := time.Since(start).Milliseconds()
					_ = r.breaker.OnFailure(reqCtx, candidate.Name, 0, latencyMs)
					r.logAttempt(candidate.Provider, candidate.Name, false, latencyMs, 0, chunk.Error)
					return
				}
				out <- chunk
			}
			_ = r.plugins.RunAfter(reqCtx, pctx)
			latencyMs := time.Since(start).Milliseconds()
			_ = r.breaker.OnSuccess(reqCtx, candidate.Name, latencyMs)
			r.logAttempt(candidate.Provider, candidate.Name, true, latencyMs, 0, nil)
			return
		}
		out <- providers.StreamChunk{Error: &routererr.AllModelsFailedError{}}
	}()

	return out, nil
}
