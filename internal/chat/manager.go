// Package chat includes the dispatch layer between the HTTP surface and the
// upstream providers: request preprocessing, deduplication, provider calls
// and usage accounting.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"multillm-api/internal/buckets"
	"multillm-api/internal/dedup"
	"multillm-api/internal/metrics"
	"multillm-api/internal/providers"
	"multillm-api/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Manager struct {
	WDB         *sql.DB
	RDB         *sql.DB
	RedisClient *redis.Client
	Log         *zap.SugaredLogger
	Registry    *providers.Registry
	Dedup       *dedup.Deduplicator

	usageCache *buckets.UsageCache
}

func NewManager(wdb *sql.DB, rdb *sql.DB, redisClient *redis.Client, registry *providers.Registry, deduplicator *dedup.Deduplicator, log *zap.SugaredLogger) (*Manager, error) {
	// check if the databases are connected
	err := wdb.Ping()
	if err != nil {
		return nil, errors.New("failed ping to sql db")
	}

	err = rdb.Ping()
	if err != nil {
		return nil, errors.New("failed to ping read replica sql db")
	}

	err = redisClient.Ping(context.Background()).Err()
	if err != nil {
		return nil, errors.New("failed ping to redis db")
	}

	return &Manager{
		WDB:         wdb,
		RDB:         rdb,
		RedisClient: redisClient,
		Log:         log,
		Registry:    registry,
		Dedup:       deduplicator,
		usageCache:  buckets.NewUsageCache(log, wdb),
	}, nil
}

type ChatInput struct {
	Req  *shared.RequestInfo
	User shared.UserMetadata
	Ctx  context.Context

	// StreamWriter delivers SSE chunks to the client as they arrive.
	// Non-nil only for streaming requests.
	StreamWriter providers.StreamWriter
}

type ChatOutput struct {
	FinalResponse []byte
	Stream        bool
	Usage         *shared.Usage
	Deduplicated  bool
}

// DoChat dispatches one preprocessed request to its provider. Streaming
// requests go straight through; a live stream cannot be joined mid-flight, so
// they bypass deduplication. Non-streaming requests run through the
// single-flight map.
func (m *Manager) DoChat(input ChatInput) (*ChatOutput, error) {
	req := input.Req
	prov, ok := m.Registry.Get(req.Provider)
	if !ok {
		return nil, shared.ErrProviderNotFound
	}

	creq := providers.ChatRequest{
		Messages: req.Messages,
		Options:  req.Options,
		Stream:   req.Stream,
		Body:     req.Body,
	}

	if req.Stream {
		return m.doStream(input, prov, creq)
	}

	body, wasShared, err := m.Dedup.Deduplicate(dedup.Request{
		UserID:   fmt.Sprintf("%d", req.UserID),
		Provider: req.Provider,
		Messages: req.Messages,
		Options:  req.Options,
		CallerID: req.ID,
	}, func() ([]byte, error) {
		// Detached from the caller's context: joiners that arrived later must
		// not lose the shared result because the original client went away.
		callCtx, cancel := context.WithTimeout(context.Background(), shared.DefaultRequestTimeout)
		defer cancel()
		return prov.ChatCompletion(callCtx, creq)
	})

	totalTime := time.Since(req.StartTime)
	if err != nil {
		metrics.ErrorCount.WithLabelValues(req.Provider, req.Model, "provider_call").Inc()
		metrics.RequestCount.WithLabelValues(req.Provider, req.Model, "error").Inc()
		var rerr *shared.RequestError
		if errors.As(err, &rerr) {
			return nil, rerr
		}
		return nil, &shared.RequestError{StatusCode: 502, Err: err}
	}

	usage, usageErr := extractUsage(body)
	if usageErr != nil {
		m.Log.Warnw("Failed extracting usage from response",
			"provider", req.Provider,
			"model", req.Model,
			"error", usageErr.Error())
	}

	m.recordUsage(req, prov, usage, totalTime, 0, wasShared)

	return &ChatOutput{
		FinalResponse: body,
		Usage:         usage,
		Deduplicated:  wasShared,
	}, nil
}

func (m *Manager) doStream(input ChatInput, prov providers.Provider, creq providers.ChatRequest) (*ChatOutput, error) {
	req := input.Req

	var firstToken time.Duration
	write := func(chunk []byte) error {
		if firstToken == 0 {
			firstToken = time.Since(req.StartTime)
			metrics.TimeToFirstToken.WithLabelValues(req.Provider, req.Model).Observe(firstToken.Seconds())
		}
		return input.StreamWriter(chunk)
	}

	err := prov.StreamChatCompletion(input.Ctx, creq, write)
	totalTime := time.Since(req.StartTime)

	if err != nil {
		if input.Ctx.Err() == context.Canceled {
			m.Log.Infow("Client canceled stream",
				"provider", req.Provider,
				"model", req.Model,
				"elapsed", totalTime.String())
			m.recordUsage(req, prov, &shared.Usage{IsCanceled: true}, totalTime, firstToken, false)
			return &ChatOutput{Stream: true}, nil
		}
		metrics.ErrorCount.WithLabelValues(req.Provider, req.Model, "provider_stream").Inc()
		metrics.RequestCount.WithLabelValues(req.Provider, req.Model, "error").Inc()
		var rerr *shared.RequestError
		if errors.As(err, &rerr) {
			return nil, rerr
		}
		return nil, &shared.RequestError{StatusCode: 502, Err: err}
	}

	// Token counts are not reliably present in stream chunks; streamed
	// requests are recorded without usage.
	m.recordUsage(req, prov, nil, totalTime, firstToken, false)
	return &ChatOutput{Stream: true}, nil
}

func (m *Manager) recordUsage(req *shared.RequestInfo, prov providers.Provider, usage *shared.Usage, totalTime time.Duration, firstToken time.Duration, deduplicated bool) {
	icpt, ocpt := prov.Pricing()
	credits := shared.CalculateCredits(usage, icpt, ocpt)

	metrics.RequestDuration.WithLabelValues(req.Provider, req.Model).Observe(totalTime.Seconds())
	metrics.RequestCount.WithLabelValues(req.Provider, req.Model, "success").Inc()
	metrics.CreditUsage.WithLabelValues(req.Provider, req.Model).Add(float64(credits))
	if usage != nil {
		metrics.PromptTokens.WithLabelValues(req.Provider, req.Model).Add(float64(usage.PromptTokens))
		metrics.CompletionTokens.WithLabelValues(req.Provider, req.Model).Add(float64(usage.CompletionTokens))
		metrics.TotalTokens.WithLabelValues(req.Provider, req.Model).Add(float64(usage.TotalTokens))
	}

	pci := &shared.ProcessedChatInfo{
		UserID:           req.UserID,
		Provider:         req.Provider,
		Model:            req.Model,
		Endpoint:         req.Endpoint,
		Usage:            usage,
		TimeToFirstToken: firstToken,
		TotalTime:        totalTime,
		TotalCredits:     credits,
		CreatedAt:        time.Now(),
		Deduplicated:     deduplicated,
	}
	m.usageCache.AddRequestToBucket(req.UserID, pci, req.ID)
}

// TrackInFlight registers a request with the usage buckets for the duration
// of fn.
func (m *Manager) TrackInFlight(userID uint64, fn func() error) error {
	m.usageCache.AddInFlightToBucket(userID)
	defer m.usageCache.RemoveInFlightFromBucket(userID)
	return fn()
}

func (m *Manager) Shutdown() {
	if m.usageCache != nil {
		m.usageCache.Shutdown()
	}
}
