// Package routers
package routers

import (
	"io"
	"net/http"

	"multillm-api/internal/providers"
	"multillm-api/internal/setup"
	"multillm-api/internal/shared"
)

func readRequestBody(c *setup.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.Log.Errorw("Failed to read request body", "error", err.Error())
		return nil, err
	}
	return body, nil
}

func setupSSEHeaders(c *setup.Context) {
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
}

func createStreamCallback(c *setup.Context) providers.StreamWriter {
	return func(chunk []byte) error {
		if c.Request().Context().Err() != nil {
			return c.Request().Context().Err()
		}
		_, err := c.Response().Write(chunk)
		if err != nil {
			return err
		}
		c.Response().Flush()
		return nil
	}
}

func errorResponse(c *setup.Context, statusCode int, message string) error {
	return c.JSON(statusCode, shared.OpenAIError{
		Message: message,
		Object:  "error",
		Type:    errorType(statusCode),
		Code:    statusCode,
	})
}

func errorType(statusCode int) string {
	if statusCode >= 500 {
		return "InternalError"
	}
	return "BadRequest"
}
