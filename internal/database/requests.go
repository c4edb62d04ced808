// Package database defines the insertions and transactions to the database
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"multillm-api/internal/shared"
)

type DailyStats struct {
	Date                 string
	UserID               uint64
	Provider             string
	Model                string
	RequestCount         uint64
	InputTokens          uint64
	OutputTokens         uint64
	TotalSpend           uint64
	TotalTime            int64
	DeduplicatedCount    uint64
	CanceledRequestCount uint64
}

// SaveRequests saves the request details and aggregates daily stats
func SaveRequests(db *sql.DB, requests map[string]*shared.ProcessedChatInfo) error {
	requestSQLStr := `INSERT INTO request (
            user_id, request_id, endpoint, provider, model,
            prompt_tokens, completion_tokens,
            total_time, deduplicated, created_at
        ) VALUES`

	statsSQLStr := `INSERT INTO daily_stats (
		date, user_id, provider, model, request_count, input_tokens, output_tokens, total_spend, total_time, deduplicated_requests, canceled_requests
	) VALUES`

	today := time.Now().Format("2006-01-02")

	aggregated := make(map[string]*DailyStats)

	requestVals := []any{}
	statsVals := []any{}

	if len(requests) == 0 {
		return nil
	}

	for id, ci := range requests {
		key := ci.Provider + "/" + ci.Model
		if _, ok := aggregated[key]; !ok {
			aggregated[key] = &DailyStats{
				UserID:   ci.UserID,
				Provider: ci.Provider,
				Model:    ci.Model,
			}
		}
		existing := aggregated[key]
		existing.RequestCount += 1
		existing.TotalSpend += ci.TotalCredits
		if ci.Deduplicated {
			existing.DeduplicatedCount += 1
		}
		if ci.Usage != nil {
			existing.InputTokens += ci.Usage.PromptTokens
			existing.OutputTokens += ci.Usage.CompletionTokens
			if ci.Usage.IsCanceled {
				existing.CanceledRequestCount += 1
				continue
			}
		}
		existing.TotalTime += ci.TotalTime.Milliseconds()

		var promptTokens, completionTokens uint64
		if ci.Usage != nil {
			promptTokens = ci.Usage.PromptTokens
			completionTokens = ci.Usage.CompletionTokens
		}
		requestSQLStr += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?),"
		requestVals = append(requestVals,
			ci.UserID, id, ci.Endpoint, ci.Provider, ci.Model,
			promptTokens, completionTokens,
			ci.TotalTime.Milliseconds(), ci.Deduplicated,
			ci.CreatedAt,
		)
	}

	for _, val := range aggregated {
		statsSQLStr += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?),"
		statsVals = append(statsVals, today, val.UserID, val.Provider, val.Model, val.RequestCount, val.InputTokens, val.OutputTokens, val.TotalSpend, val.TotalTime, val.DeduplicatedCount, val.CanceledRequestCount)
	}

	requestSQLStr = strings.TrimSuffix(requestSQLStr, ",")
	statsSQLStr = strings.TrimSuffix(statsSQLStr, ",")
	statsSQLStr += ` ON DUPLICATE KEY UPDATE
		request_count = request_count + VALUES(request_count),
		input_tokens = input_tokens + VALUES(input_tokens),
		output_tokens = output_tokens + VALUES(output_tokens),
		total_spend = total_spend + VALUES(total_spend),
		total_time = total_time + VALUES(total_time),
		deduplicated_requests = deduplicated_requests + VALUES(deduplicated_requests),
		canceled_requests = canceled_requests + VALUES(canceled_requests)`

	// Save request history
	if len(requestVals) > 0 {
		_, err := db.Exec(requestSQLStr, requestVals...)
		if err != nil {
			return fmt.Errorf("failed to save request: %w", err)
		}
	}

	_, err := db.Exec(statsSQLStr, statsVals...)
	if err != nil {
		return fmt.Errorf("failed to save daily stats: %w", err)
	}

	return nil
}

// ChargeUser deducts the bucket total from the user's balance. The balance
// never goes below zero; overspend is absorbed when the user's plan allows
// it at request time.
func ChargeUser(ctx context.Context, tx *sql.Tx, userID uint64, requestsUsed uint, totalCredits uint64) error {
	var credits uint64
	err := tx.QueryRowContext(ctx, "SELECT credits FROM user WHERE id = ? FOR UPDATE", userID).Scan(&credits)
	if err != nil {
		return fmt.Errorf("failed to get user credit data: %w", err)
	}

	balance := uint64(0)
	if totalCredits < credits {
		balance = credits - totalCredits
	}

	_, err = tx.ExecContext(ctx, "UPDATE user SET credits = ?, requests_used = requests_used + ? WHERE id = ?", balance, requestsUsed, userID)
	if err != nil {
		return fmt.Errorf("failed to update user credits: %w", err)
	}
	return nil
}

// ExecuteTransaction executes one transaction with one or multiple database executions.
func ExecuteTransaction(ctx context.Context, writeDB *sql.DB, fns []func(*sql.Tx) error) error {
	tx, err := writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Execute all functions in the transaction
	for _, fn := range fns {
		if err := fn(tx); err != nil {
			return fmt.Errorf("failed to execute transaction function: %w", err)
		}
	}

	// Commit the transaction if all functions succeeded
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
