package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	routergw "github.com/routergw/router"
	"github.com/routergw/router/internal/admin"
	_ "github.com/routergw/router/internal/plugins/cache"
	_ "github.com/routergw/router/internal/plugins/logger"
	_ "github.com/routergw/router/internal/plugins/maxtoken"
	_ "github.com/routergw/router/internal/plugins/ratelimit"
	_ "github.com/routergw/router/internal/plugins/wordfilter"
	"github.com/routergw/router/internal/requestbuilder"
	"github.com/routergw/router/internal/requestlog"
	"github.com/routergw/router/internal/state"
	"github.com/routergw/router/internal/version"
	"github.com/routergw/router/providers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	cfg := routergw.DefaultConfig()
	if cfgPath := os.Getenv("ROUTER_CONFIG"); cfgPath != "" {
		loaded, err := routergw.LoadConfig(cfgPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
	}
	cfg = routergw.LoadConfigFromEnv(cfg)
	if cfg.ModelCatalogPath == "" {
		cfg.ModelCatalogPath = "models.yaml"
	}
	if err := routergw.ValidateConfig(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	log.Printf("Config loaded: catalog=%s, state_backend=%s", cfg.ModelCatalogPath, cfg.State.Type)

	store, err := newStateStore(cfg.State)
	if err != nil {
		log.Fatalf("Failed to build state backend: %v", err)
	}

	logger := slog.Default()
	rt, err := routergw.New(cfg, store, logger)
	if err != nil {
		log.Fatalf("Failed to create router: %v", err)
	}

	// Auto-register providers based on environment variables.
	registry := providers.NewRegistry()

	type providerEntry struct {
		envKey string
		name   string
		create func(key, baseURL string) (providers.Provider, error)
	}
	autoProviders := []providerEntry{
		{"OPENAI_API_KEY", "openai", func(k, b string) (providers.Provider, error) { return providers.NewOpenAI(k, b) }},
		{"ANTHROPIC_API_KEY", "anthropic", func(k, b string) (providers.Provider, error) { return providers.NewAnthropic(k, b) }},
		{"GROQ_API_KEY", "groq", func(k, b string) (providers.Provider, error) { return providers.NewGroq(k, b) }},
		{"TOGETHER_API_KEY", "together", func(k, b string) (providers.Provider, error) { return providers.NewTogether(k, b) }},
		{"GEMINI_API_KEY", "gemini", func(k, b string) (providers.Provider, error) { return providers.NewGemini(k, b) }},
		{"MISTRAL_API_KEY", "mistral", func(k, b string) (providers.Provider, error) { return providers.NewMistral(k, b) }},
		{"COHERE_API_KEY", "cohere", func(k, b string) (providers.Provider, error) { return providers.NewCohere(k, b) }},
		{"DEEPSEEK_API_KEY", "deepseek", func(k, b string) (providers.Provider, error) { return providers.NewDeepSeek(k, b) }},
		{"AI21_API_KEY", "ai21", func(k, b string) (providers.Provider, error) { return providers.NewAI21(k, b) }},
		{"FIREWORKS_API_KEY", "fireworks", func(k, b string) (providers.Provider, error) { return providers.NewFireworks(k, b) }},
		{"PERPLEXITY_API_KEY", "perplexity", func(k, b string) (providers.Provider, error) { return providers.NewPerplexity(k, b) }},
	}
	for _, pe := range autoProviders {
		if key := os.Getenv(pe.envKey); key != "" {
			p, err := pe.create(key, "")
			if err != nil {
				log.Fatalf("%s provider: %v", pe.name, err)
			}
			registry.Register(p)
			rt.RegisterProvider(p)
			log.Printf("Provider registered: %s", pe.name)
		}
	}

	// Azure OpenAI requires additional config.
	if key := os.Getenv("AZURE_OPENAI_API_KEY"); key != "" {
		baseURL := os.Getenv("AZURE_OPENAI_ENDPOINT")
		deployment := os.Getenv("AZURE_OPENAI_DEPLOYMENT")
		apiVersion := os.Getenv("AZURE_OPENAI_API_VERSION")
		if baseURL != "" && deployment != "" {
			p, err := providers.NewAzureOpenAI(key, baseURL, deployment, apiVersion)
			if err != nil {
				log.Fatalf("Azure OpenAI provider: %v", err)
			}
			registry.Register(p)
			rt.RegisterProvider(p)
			log.Println("Provider registered: azure-openai")
		} else {
			log.Println("Warning: AZURE_OPENAI_API_KEY set but AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_DEPLOYMENT are required")
		}
	}

	// Ollama is local and needs no API key.
	if ollamaURL := os.Getenv("OLLAMA_HOST"); ollamaURL != "" {
		var models []string
		if m := os.Getenv("OLLAMA_MODELS"); m != "" {
			models = strings.Split(m, ",")
		}
		p, err := providers.NewOllama(ollamaURL, models)
		if err != nil {
			log.Fatalf("Ollama provider: %v", err)
		}
		registry.Register(p)
		rt.RegisterProvider(p)
		log.Printf("Provider registered: ollama (models: %s)", strings.Join(p.SupportedModels(), ", "))
	}

	// AWS Bedrock authenticates via the default AWS credential chain, not an
	// API key; opt in with a region instead.
	if os.Getenv("AWS_BEDROCK_ENABLED") != "" {
		p, err := providers.NewBedrock(os.Getenv("AWS_BEDROCK_REGION"))
		if err != nil {
			log.Fatalf("Bedrock provider: %v", err)
		}
		registry.Register(p)
		rt.RegisterProvider(p)
		log.Println("Provider registered: bedrock")
	}

	// Replicate takes explicit model lists since it hosts arbitrary community
	// models rather than a fixed catalog.
	if key := os.Getenv("REPLICATE_API_TOKEN"); key != "" {
		var textModels, imageModels []string
		if m := os.Getenv("REPLICATE_TEXT_MODELS"); m != "" {
			textModels = strings.Split(m, ",")
		}
		if m := os.Getenv("REPLICATE_IMAGE_MODELS"); m != "" {
			imageModels = strings.Split(m, ",")
		}
		p, err := providers.NewReplicate(key, os.Getenv("REPLICATE_BASE_URL"), textModels, imageModels)
		if err != nil {
			log.Fatalf("Replicate provider: %v", err)
		}
		registry.Register(p)
		rt.RegisterProvider(p)
		log.Printf("Provider registered: replicate (models: %s)", strings.Join(p.SupportedModels(), ", "))
	}

	if len(registry.List()) == 0 {
		log.Fatal("No providers configured. Set at least one provider API key (e.g., OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY) or OLLAMA_HOST for local models")
	}

	keyStore, keyBackend, err := createKeyStoreFromEnv()
	if err != nil {
		log.Fatalf("Failed to set up key store: %v", err)
	}
	log.Printf("Key store backend: %s", keyBackend)

	configMgr, configBackend, err := createConfigManagerFromEnv(rt)
	if err != nil {
		log.Fatalf("Failed to set up config manager: %v", err)
	}
	log.Printf("Config store backend: %s", configBackend)

	logWriter, logReader, logAdmin, logBackend, err := createRequestLogFromEnv()
	if err != nil {
		log.Fatalf("Failed to set up request log store: %v", err)
	}
	log.Printf("Request log backend: %s", logBackend)
	rt.SetRequestLogWriter(logWriter)

	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}

	r := newRouter(registry, keyStore, corsOrigins, rt, configMgr, logReader, logAdmin)

	addr := fmt.Sprintf(":%d", cfg.Port)
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		if err := rt.Shutdown(shutdownCtx); err != nil {
			log.Printf("Router shutdown error: %v", err)
		}
	}()

	log.Printf("routergw %s listening on %s (%d provider(s))", version.Short(), addr, len(registry.List()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("Server error: %v", err) //nolint:gocritic
	}
	log.Println("Server stopped.")
}

// newStateStore builds the state.Store backend named by cfg, per spec §6's
// REDIS_TYPE selection (memory/tcp/http).
func newStateStore(cfg routergw.StateBackendConfig) (state.Store, error) {
	switch cfg.Type {
	case routergw.BackendTCP:
		return state.NewRedisStore(cfg.URL, cfg.Password, cfg.DB), nil
	case routergw.BackendHTTP:
		return state.NewHTTPStore(cfg.URL, cfg.Token), nil
	case routergw.BackendMemory, "":
		return state.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend type: %q", cfg.Type)
	}
}

// createKeyStoreFromEnv selects the admin API-key store backend named by
// API_KEY_STORE_BACKEND (memory/sqlite/postgres), defaulting to an in-memory
// store so the router runs with zero external dependencies out of the box.
func createKeyStoreFromEnv() (admin.Store, string, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("API_KEY_STORE_BACKEND")))
	dsn := os.Getenv("API_KEY_STORE_DSN")

	switch backend {
	case "", "memory":
		return admin.NewKeyStore(), "memory", nil
	case "sqlite":
		store, err := admin.NewSQLiteStore(dsn)
		if err != nil {
			return nil, "", err
		}
		return store, "sqlite", nil
	case "postgres":
		if dsn == "" {
			return nil, "", fmt.Errorf("API_KEY_STORE_DSN is required for postgres backend")
		}
		store, err := admin.NewPostgresStore(dsn)
		if err != nil {
			return nil, "", err
		}
		return store, "postgres", nil
	default:
		return nil, "", fmt.Errorf("unknown API_KEY_STORE_BACKEND: %q", backend)
	}
}

// createConfigManagerFromEnv wires the admin config-management API to rt,
// selecting the config snapshot persistence backend named by
// CONFIG_STORE_BACKEND (memory/sqlite/postgres).
func createConfigManagerFromEnv(rt *routergw.Router) (*admin.RouterConfigManager, string, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("CONFIG_STORE_BACKEND")))
	dsn := os.Getenv("CONFIG_STORE_DSN")

	var store admin.ConfigStore
	switch backend {
	case "", "memory":
		backend = "memory"
	case "sqlite":
		sqlStore, err := admin.NewSQLiteConfigStore(dsn)
		if err != nil {
			return nil, "", err
		}
		store = sqlStore
	case "postgres":
		if dsn == "" {
			return nil, "", fmt.Errorf("CONFIG_STORE_DSN is required for postgres backend")
		}
		sqlStore, err := admin.NewPostgresConfigStore(dsn)
		if err != nil {
			return nil, "", err
		}
		store = sqlStore
	default:
		return nil, "", fmt.Errorf("unknown CONFIG_STORE_BACKEND: %q", backend)
	}

	mgr, err := admin.NewRouterConfigManager(rt, store)
	if err != nil {
		return nil, "", err
	}
	return mgr, backend, nil
}

// createRequestLogFromEnv selects the attempt-level routing log backend named
// by REQUEST_LOG_BACKEND (memory/sqlite/postgres). The "memory" default is a
// NoopWriter: logging is opt-in since it isn't needed to route requests.
func createRequestLogFromEnv() (requestlog.Writer, requestlog.Reader, requestlog.Maintainer, string, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("REQUEST_LOG_BACKEND")))
	dsn := os.Getenv("REQUEST_LOG_DSN")

	switch backend {
	case "", "memory", "none":
		return requestlog.NoopWriter{}, nil, nil, "memory", nil
	case "sqlite":
		w, err := requestlog.NewSQLiteWriter(dsn)
		if err != nil {
			return nil, nil, nil, "", err
		}
		return w, w, w, "sqlite", nil
	case "postgres":
		if dsn == "" {
			return nil, nil, nil, "", fmt.Errorf("REQUEST_LOG_DSN is required for postgres backend")
		}
		w, err := requestlog.NewPostgresWriter(dsn)
		if err != nil {
			return nil, nil, nil, "", err
		}
		return w, w, w, "postgres", nil
	default:
		return nil, nil, nil, "", fmt.Errorf("unknown REQUEST_LOG_BACKEND: %q", backend)
	}
}

// newRouter builds the HTTP router.
func newRouter(registry *providers.Registry, keyStore admin.Store, corsOrigins []string, rt *routergw.Router, configMgr *admin.RouterConfigManager, logReader requestlog.Reader, logAdmin requestlog.Maintainer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(corsOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/v1/models", modelsHandler(rt))

	adminHandlers := &admin.Handlers{
		Keys:      keyStore,
		Providers: registry,
		Configs:   configMgr,
		Logs:      logReader,
		LogAdmin:  logAdmin,
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.AuthMiddleware(keyStore))
		r.Mount("/", adminHandlers.Routes())
	})

	r.Post("/v1/chat/completions", chatCompletionsHandler(rt))

	// Legacy text completions (e.g. gpt-3.5-turbo-instruct, deepseek-chat).
	// Proxies natively to providers that support it, or shims via chat for others.
	r.Post("/v1/completions", completionsHandler(registry))

	// Proxy pass-through: forward any unhandled /v1/* request to the upstream
	// provider.  This covers files, batches, fine-tuning, audio, images/edits,
	// responses API, realtime, etc. without needing a dedicated handler.
	// Must be registered LAST so explicit routes take precedence.
	r.HandleFunc("/v1/*", proxyHandler(registry))

	return r
}

// modelsHandler serves /v1/models enriched with model registry metadata.
func modelsHandler(rt *routergw.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		defs := rt.Registry().GetAll()
		data := make([]EnrichedModelInfo, 0, len(defs))
		for _, m := range defs {
			data = append(data, enrichFromRegistry(m))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
		})
	}
}

// chatCompletionsHandler handles POST /v1/chat/completions, routing through
// rt for both the streaming and non-streaming paths.
func chatCompletionsHandler(rt *routergw.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req requestbuilder.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
			return
		}
		if req.Model == nil {
			req.Model = "auto"
		}

		reqCtx, done, ok := rt.BeginRequest(r.Context())
		if !ok {
			writeOpenAIError(w, http.StatusServiceUnavailable, "router is shutting down", "server_error", "shutting_down")
			return
		}
		defer done()

		if req.Stream {
			ch, err := rt.RouteStream(reqCtx, req)
			if err != nil {
				writeOpenAIError(w, http.StatusInternalServerError, err.Error(), "server_error", "routing_error")
				return
			}
			writeSSE(w, ch)
			return
		}

		result, err := rt.Route(reqCtx, req)
		if err != nil {
			writeOpenAIError(w, http.StatusInternalServerError, err.Error(), "server_error", "routing_error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result.Response)
	}
}

// writeOpenAIError writes an OpenAI-compatible JSON error response.
func writeOpenAIError(w http.ResponseWriter, status int, message, errType, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errBody := map[string]interface{}{
		"message": message,
		"type":    errType,
	}
	if code != "" {
		errBody["code"] = code
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": errBody})
}

// writeSSE streams SSE chunks from ch to the response writer.
func writeSSE(w http.ResponseWriter, ch <-chan providers.StreamChunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	now := time.Now().Unix()
	for chunk := range ch {
		if chunk.Error != nil {
			errData := fmt.Sprintf(`{"error":{"message":"%s","type":"stream_error"}}`, chunk.Error.Error())
			_, _ = fmt.Fprintf(w, "data: %s\n\n", errData)
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		if chunk.Object == "" {
			chunk.Object = "chat.completion.chunk"
		}
		if chunk.Created == 0 {
			chunk.Created = now
		}
		data, _ := json.Marshal(chunk)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
