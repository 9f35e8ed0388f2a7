// Package app wires the Hisho components together from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Hisho/common/retry"
	"github.com/bdobrica/Hisho/internal/hisho/action"
	"github.com/bdobrica/Hisho/internal/hisho/action/calendar"
	"github.com/bdobrica/Hisho/internal/hisho/action/google"
	"github.com/bdobrica/Hisho/internal/hisho/action/notes"
	"github.com/bdobrica/Hisho/internal/hisho/action/tasks"
	"github.com/bdobrica/Hisho/internal/hisho/api"
	"github.com/bdobrica/Hisho/internal/hisho/assistant"
	"github.com/bdobrica/Hisho/internal/hisho/commands"
	"github.com/bdobrica/Hisho/internal/hisho/config"
	"github.com/bdobrica/Hisho/internal/hisho/confirmations"
	"github.com/bdobrica/Hisho/internal/hisho/dispatch"
	"github.com/bdobrica/Hisho/internal/hisho/intent"
	"github.com/bdobrica/Hisho/internal/hisho/limits"
	"github.com/bdobrica/Hisho/internal/hisho/llm"
	"github.com/bdobrica/Hisho/internal/hisho/matrix"
	"github.com/bdobrica/Hisho/internal/hisho/metrics"
	"github.com/bdobrica/Hisho/internal/hisho/retention"
	"github.com/bdobrica/Hisho/internal/hisho/store"
	"github.com/bdobrica/Hisho/internal/hisho/telegram"
	"github.com/bdobrica/Hisho/internal/hisho/voice"
)

const redisPingTimeout = 5 * time.Second

// Core holds the components every entry point needs: storage, the action
// registry and the dispatcher. It does not talk to a language model.
type Core struct {
	Config        *config.Config
	Store         *store.Store
	Confirmations confirmations.Store
	Catalog       *action.Catalog
	Registry      *action.Registry
	Dispatcher    *dispatch.Dispatcher
	Metrics       *metrics.Metrics
	Gatherer      *prometheus.Registry
	// AudioCache is nil when voice is disabled.
	AudioCache *voice.Cache
	Location   *time.Location

	redis *redis.Client
}

// OpenCore opens the database and the confirmation backend and registers
// the action handlers enabled in cfg.
func OpenCore(ctx context.Context, cfg *config.Config) (*Core, error) {
	c := &Core{Config: cfg, Location: loadLocation(cfg.Google.TimeZone)}

	if err := ensureDir(cfg.Database.Path); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	c.Store = st

	if err := c.openConfirmations(ctx); err != nil {
		c.Close()
		return nil, err
	}

	c.Gatherer = prometheus.NewRegistry()
	c.Gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.New(c.Gatherer)

	if c.Catalog, err = action.DefaultCatalog(); err != nil {
		c.Close()
		return nil, err
	}
	if c.Registry, err = action.NewRegistry(c.Catalog); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.registerHandlers(ctx); err != nil {
		c.Close()
		return nil, err
	}

	mode, err := dispatch.ParseIdentityMode(cfg.Dispatch.IdentityCheck)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Dispatcher = dispatch.New(c.Confirmations, c.Registry,
		dispatch.WithIdentityPolicy(dispatch.IdentityPolicy{Mode: mode, AnonymousUser: cfg.Dispatch.AnonymousUser}),
		dispatch.WithObserver(c.Metrics),
	)

	if cfg.Voice.Enabled {
		if err := os.MkdirAll(cfg.Voice.CacheDir, 0o755); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create audio cache dir: %w", err)
		}
		c.AudioCache = voice.NewCache(cfg.Voice.CacheDir, cfg.API.BaseURL)
	}
	return c, nil
}

func (c *Core) openConfirmations(ctx context.Context) error {
	cfg := c.Config.Confirmations
	switch cfg.Backend {
	case "", "sqlite":
		c.Confirmations = confirmations.NewSQLiteStore(c.Store.DB())
	case "memory":
		slog.Warn("Confirmations: using in-memory store, pending confirmations are lost on restart")
		c.Confirmations = confirmations.NewMemoryStore()
	case "redis":
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ping := retry.Config{MaxAttempts: 3, InitialDelay: time.Second, Name: "redis ping"}
		err := retry.Do(ctx, ping, func() error {
			pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
			defer cancel()
			return c.redis.Ping(pingCtx).Err()
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		c.Confirmations = confirmations.NewRedisStore(c.redis, confirmations.RedisConfig{
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		})
	default:
		return fmt.Errorf("unknown confirmations backend %q", cfg.Backend)
	}
	slog.Info("Confirmations: store ready", "backend", cfg.Backend)
	return nil
}

func (c *Core) registerHandlers(ctx context.Context) error {
	cfg := c.Config
	if cfg.Google.Enabled {
		hc := google.HTTPClient(ctx, google.Credentials{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RefreshToken: cfg.Google.RefreshToken,
		})
		cal := calendar.New(hc, calendar.Config{CalendarID: cfg.Google.CalendarID, Location: c.Location})
		if err := cal.Register(c.Registry); err != nil {
			return fmt.Errorf("register calendar actions: %w", err)
		}
		t := tasks.New(hc, tasks.Config{TaskListID: cfg.Google.TaskListID, ShoppingListID: cfg.Google.ShoppingListID})
		if err := t.Register(c.Registry); err != nil {
			return fmt.Errorf("register task actions: %w", err)
		}
	}
	if cfg.Obsidian.Enabled {
		var vaultOpts []notes.Option
		if gc := cfg.Obsidian.GitSync; gc.Enabled {
			gs, err := notes.OpenGit(cfg.Obsidian.VaultPath, notes.GitConfig{
				Remote:      gc.Remote,
				Commit:      gc.AutoCommit,
				Push:        gc.AutoPush,
				AuthorName:  gc.AuthorName,
				AuthorEmail: gc.AuthorEmail,
				Token:       gc.Token,
			})
			if err != nil {
				return err
			}
			vaultOpts = append(vaultOpts, notes.WithSync(gs))
			slog.Info("Obsidian: git sync enabled", "remote", gc.Remote, "auto_commit", gc.AutoCommit, "auto_push", gc.AutoPush)
		}
		vault, err := notes.NewVault(cfg.Obsidian.VaultPath, cfg.Obsidian.NotesFolder, vaultOpts...)
		if err != nil {
			return err
		}
		if err := vault.Register(c.Registry); err != nil {
			return fmt.Errorf("register note actions: %w", err)
		}
	}
	slog.Info("Actions: handlers registered", "kinds", c.Registry.Kinds())
	return nil
}

// Sweeper returns the retention job for this core.
func (c *Core) Sweeper(days int, opts ...retention.Option) (*retention.Sweeper, error) {
	var audio retention.AudioCleaner
	if c.AudioCache != nil {
		audio = c.AudioCache
	}
	return retention.New(retention.Config{
		Schedule:  c.Config.Retention.Schedule,
		Days:      days,
		CacheDays: c.Config.Voice.CacheDays,
	}, c.Confirmations, c.Store, audio, opts...)
}

// Close releases the database and the redis connection.
func (c *Core) Close() error {
	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	return errors.Join(errs...)
}

// App is the running assistant with every enabled channel.
type App struct {
	*Core
	Assistant *assistant.Assistant

	api       *api.Server
	telegram  *telegram.Bot
	matrix    *matrix.Client
	matrixH   *matrix.Handler
	retention *retention.Sweeper
}

// New builds the application. cfg should already be validated.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	core, err := OpenCore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Core: core}
	if err := a.build(ctx); err != nil {
		core.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	router := llm.NewRouter(newPrimary(cfg), newFallback(cfg), llm.RouterConfig{
		Model:                cfg.LLM.Primary.Model,
		LightModel:           cfg.LLM.Primary.LightModel,
		DynamicModel:         cfg.LLM.DynamicModel,
		UseFallbackForSimple: cfg.LLM.Fallback.UseForSimple,
		MaxTokens:            cfg.LLM.Primary.MaxTokens,
		Temperature:          cfg.LLM.Primary.Temperature,
	}, llm.WithObserver(a.Metrics))

	classifier := llm.NewKeywordClassifier(
		orNil(cfg.LLM.Classifier.SimplePatterns),
		orNil(cfg.LLM.Classifier.ComplexPatterns),
		cfg.LLM.Classifier.LengthThreshold,
	)
	extractor := intent.NewExtractor(router, a.Catalog, classifier, intent.WithLocation(a.Location))

	opts := []assistant.Option{
		assistant.WithRejectedCounter(a.Metrics.RateLimitRejected),
		assistant.WithHistoryMessages(cfg.History.ContextMessages),
		assistant.WithPendingLookup(a.Confirmations),
	}
	var pruners []retention.Pruner
	if cfg.Limits.RequestsPerMinute > 0 {
		rl := limits.NewRateLimiter(cfg.Limits.RequestsPerMinute, cfg.Limits.Burst)
		opts = append(opts, assistant.WithRateLimiter(rl))
		pruners = append(pruners, rl)
	}
	if cfg.Limits.DailyTokens > 0 {
		tb := limits.NewTokenBudget(cfg.Limits.DailyTokens)
		opts = append(opts, assistant.WithTokenBudget(tb))
		pruners = append(pruners, tb)
	}
	a.Assistant = assistant.New(extractor, a.Dispatcher, a.Store, opts...)

	var transcriber voice.Transcriber
	var speaker api.Speaker
	if cfg.Voice.Enabled {
		vo := voice.NewOpenAI(voice.OpenAIConfig{
			APIKey:       cfg.Voice.APIKey,
			BaseURL:      cfg.Voice.BaseURL,
			Language:     cfg.Voice.Language,
			WhisperModel: cfg.Voice.WhisperModel,
			TTSModel:     cfg.Voice.TTSModel,
			TTSVoice:     cfg.Voice.TTSVoice,
		})
		transcriber = vo
		speaker = voice.NewSpeaker(vo, a.AudioCache)
	}

	if cfg.API.Enabled {
		apiOpts := []api.Option{
			api.WithStatus(a.Store),
			api.WithMetrics(a.Metrics, a.Gatherer),
		}
		if cfg.Voice.Enabled {
			apiOpts = append(apiOpts, api.WithVoice(transcriber, speaker, a.AudioCache))
		}
		a.api = api.New(api.Config{
			Addr:           cfg.API.Addr,
			Token:          cfg.API.Token,
			MaxUploadBytes: cfg.Voice.MaxUploadBytes,
			AnonymousUser:  cfg.Dispatch.AnonymousUser,
		}, a.Assistant, apiOpts...)
	}

	if cfg.Telegram.Enabled {
		botAPI, err := telegram.Dial(ctx, cfg.Telegram.Token)
		if err != nil {
			return err
		}
		var botOpts []telegram.Option
		if transcriber != nil {
			botOpts = append(botOpts, telegram.WithTranscriber(transcriber))
		}
		a.telegram = telegram.New(botAPI, a.Assistant, a.commandRouter("/"), telegram.Config{
			AllowedUsers: cfg.Telegram.AllowedUsers,
			Timeout:      cfg.Telegram.Timeout,
		}, botOpts...)
	}

	if cfg.Matrix.Enabled {
		client, err := matrix.NewClient(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Rooms:       cfg.Matrix.Rooms,
			DB:          a.Store.DB(),
		})
		if err != nil {
			return err
		}
		a.matrix = client
		a.matrixH = matrix.NewHandler(client, a.Assistant, a.commandRouter("!"), cfg.Matrix.AllowedSenders)
	}

	if cfg.Retention.Enabled {
		s, err := a.Sweeper(cfg.Retention.Days, retention.WithPruners(pruners...))
		if err != nil {
			return err
		}
		a.retention = s
	}

	if a.api == nil && a.telegram == nil && a.matrix == nil {
		slog.Warn("No channel is enabled; only background jobs will run")
	}
	return nil
}

func (a *App) commandRouter(prefix string) *commands.Router {
	r := commands.NewRouter(prefix)
	commands.RegisterDefaults(r, a.Assistant)
	return r
}

// API returns the REST server, or nil when it is disabled.
func (a *App) API() *api.Server { return a.api }

// Run starts every enabled channel and the retention job and blocks until
// ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.api != nil {
		g.Go(func() error { return a.api.Run(ctx) })
	}
	if a.telegram != nil {
		g.Go(func() error { return a.telegram.Run(ctx) })
	}
	if a.matrix != nil {
		g.Go(func() error { return a.matrix.Run(ctx, a.matrixH.Handle) })
	}
	if a.retention != nil {
		g.Go(func() error { return a.retention.Run(ctx) })
	}

	slog.Info("Hisho is running",
		"api", a.api != nil,
		"telegram", a.telegram != nil,
		"matrix", a.matrix != nil,
		"retention", a.retention != nil,
		"actions", a.Registry.Kinds(),
	)
	err := g.Wait()
	slog.Info("Hisho stopped")
	return err
}

func newPrimary(cfg *config.Config) llm.Provider {
	return llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:    cfg.LLM.Primary.APIKey,
		BaseURL:   cfg.LLM.Primary.BaseURL,
		Model:     cfg.LLM.Primary.Model,
		MaxTokens: cfg.LLM.Primary.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
	})
}

// newFallback returns a nil interface, not a typed nil, when disabled.
func newFallback(cfg *config.Config) llm.Provider {
	if !cfg.LLM.Fallback.Enabled {
		return nil
	}
	return llm.NewOllama(llm.OllamaConfig{
		BaseURL:   cfg.LLM.Fallback.BaseURL,
		Model:     cfg.LLM.Fallback.Model,
		MaxTokens: cfg.LLM.Primary.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
		HealthTTL: cfg.LLM.Fallback.HealthTTL,
	})
}

func loadLocation(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("Unknown time zone, using local time", "time_zone", name, "err", err)
		return time.Local
	}
	return loc
}

func ensureDir(dbPath string) error {
	if dbPath == ":memory:" {
		return nil
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database dir %s: %w", dir, err)
	}
	return nil
}

func orNil(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
