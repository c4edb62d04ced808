package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"multillm-api/internal/chat"
	"multillm-api/internal/dedup"
	"multillm-api/internal/middleware"
	"multillm-api/internal/providers"
	"multillm-api/internal/routers"
	"multillm-api/internal/shared"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Flags / ENV Variables
	writeDSN := flag.String("dsn", "", "Write mysql DSN")
	readDSN := flag.String("read-dsn", "", "Read replica mysql DSN")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")
	redisAddr := flag.String("redis-addr", "", "Redis host:port")
	debug := flag.Bool("debug", false, "Debug enabled")

	openaiAPIKey := flag.String("openai-api-key", "", "OpenAI API key")
	openaiBaseURL := flag.String("openai-base-url", "https://api.openai.com/v1", "OpenAI base url")
	openaiModels := flag.String("openai-models", "gpt-4o,gpt-4o-mini", "Comma separated OpenAI model list")
	openaiInputCredits := flag.Uint64("openai-input-credits", 1, "OpenAI credits per input token")
	openaiOutputCredits := flag.Uint64("openai-output-credits", 2, "OpenAI credits per output token")

	anthropicAPIKey := flag.String("anthropic-api-key", "", "Anthropic API key")
	anthropicBaseURL := flag.String("anthropic-base-url", "https://api.anthropic.com/v1", "Anthropic base url")
	anthropicModels := flag.String("anthropic-models", "claude-sonnet-4-20250514", "Comma separated Anthropic model list")
	anthropicInputCredits := flag.Uint64("anthropic-input-credits", 1, "Anthropic credits per input token")
	anthropicOutputCredits := flag.Uint64("anthropic-output-credits", 2, "Anthropic credits per output token")

	dedupMaxActive := flag.Int("dedup-max-active", shared.DedupDefaultMaxActive, "Max in-flight dedup entries")
	dedupMaxAge := flag.Duration("dedup-max-age", shared.DedupMaxEntryAge, "Age before a stuck dedup entry is swept")
	dedupSweepInterval := flag.Duration("dedup-sweep-interval", shared.DedupSweepInterval, "Dedup sweep interval")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	// Write DB init
	writeDB, err := sql.Open("mysql", *writeDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing sqlClient: %s", err))
	}
	err = writeDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed ping to sql db: %s", err))
	}

	// Read db init
	readDB, err := sql.Open("mysql", *readDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing readSqlClient: %s", err))
	}
	err = readDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed to ping read replica sql db: %s", err))
	}

	// Load Redis connection
	redisClient := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: "",
		DB:       0,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		panic(fmt.Sprintf("failed ping to redis db: %s", err))
	}

	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if writeDB != nil {
			_ = writeDB.Close()
		}
		if readDB != nil {
			_ = readDB.Close()
		}
	}()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()

	registry := providers.NewRegistry(log)
	if *openaiAPIKey != "" {
		registry.Register(providers.NewOpenAI(providers.Config{
			Name:    "openai",
			BaseURL: *openaiBaseURL,
			APIKey:  *openaiAPIKey,
			Models:  splitModels(*openaiModels),
			ICPT:    *openaiInputCredits,
			OCPT:    *openaiOutputCredits,
		}, log))
	}
	if *anthropicAPIKey != "" {
		registry.Register(providers.NewAnthropic(providers.Config{
			Name:    "anthropic",
			BaseURL: *anthropicBaseURL,
			APIKey:  *anthropicAPIKey,
			Models:  splitModels(*anthropicModels),
			ICPT:    *anthropicInputCredits,
			OCPT:    *anthropicOutputCredits,
		}, log))
	}
	if len(registry.Names()) == 0 {
		panic("no providers configured, set at least one provider api key")
	}

	deduplicator := dedup.New(dedup.Config{
		MaxActive:     *dedupMaxActive,
		SweepInterval: *dedupSweepInterval,
		MaxAge:        *dedupMaxAge,
	}, log)
	defer deduplicator.Close()

	mgr, err := chat.NewManager(writeDB, readDB, redisClient, registry, deduplicator, log)
	if err != nil {
		panic(err)
	}
	defer mgr.Shutdown()

	e := echo.New()
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey, err := shared.ExtractAPIKey(c)
			if err != nil {
				return c.String(401, "Missing or invalid API key")
			}

			if apiKey != *metricsAPIKey {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	})
	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))

	umw := middleware.NewUserManager(redisClient, readDB, log)

	// Register routes
	routers.RegisterChatRoutes(base, mgr, umw)
	routers.RegisterProviderRoutes(base, registry, umw)
	routers.RegisterDedupRoutes(base, deduplicator, umw)

	go func() {
		if err := e.Start(":80"); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Wait for interrupt signal to gracefully shut down the server
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		e.Logger.Fatal(err)
	}
}

func splitModels(raw string) []string {
	var out []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}
