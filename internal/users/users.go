// Package users resolves API keys to user metadata, with a short-lived
// redis cache in front of the database.
package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"multillm-api/internal/shared"
)

func GetUserMetadataFromKey(ctx context.Context, redisClient *redis.Client, rdb *sql.DB, log *zap.SugaredLogger, apiKey string) (*shared.UserMetadata, error) {
	var userMetadata shared.UserMetadata
	userMetadata.APIKey = apiKey

	userInfoCacheKey := fmt.Sprintf("v1:user:apikey:%s", apiKey)
	userInfoCache, err := redisClient.Get(ctx, userInfoCacheKey).Result()
	switch err {
	case nil:
		err = json.Unmarshal([]byte(userInfoCache), &userMetadata)
		if err == nil {
			return &userMetadata, nil
		}
		log.Errorw("Error unmarshalling user info cache", "error", err)
		fallthrough
	default:
		log.Debugw("User cache miss", "key", userInfoCacheKey)

		err = rdb.QueryRowContext(ctx, `
		SELECT
		user.id,
		user.email,
		user.credits,
		user.allow_overspend,
		user.requests_per_minute,
		user.role
		FROM user
		INNER JOIN api_key ON user.id = api_key.user_id
		WHERE api_key.id = ? AND api_key.active = 1
		`, apiKey).Scan(
			&userMetadata.UserID,
			&userMetadata.Email,
			&userMetadata.Credits,
			&userMetadata.AllowOverspend,
			&userMetadata.RPM,
			&userMetadata.Role,
		)
		if err != nil {
			if err == sql.ErrNoRows {
				log.Warnw("Invalid or inactive API key")
				return nil, shared.ErrUnauthorized
			}
			log.Errorw("Database error during API key validation", "error", err)
			return nil, shared.ErrUnauthorized
		}
		go func() {
			userInfoCache, err := json.Marshal(userMetadata)
			if err != nil {
				log.Errorw("Error marshalling user info", "error", err)
				return
			}
			redisClient.Set(context.Background(), userInfoCacheKey, userInfoCache, shared.UserInfoCacheTTL)
		}()
		return &userMetadata, nil
	}
}
