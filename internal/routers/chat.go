package routers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"multillm-api/internal/chat"
	"multillm-api/internal/middleware"
	"multillm-api/internal/setup"
	"multillm-api/internal/shared"
)

type ChatRouter struct {
	mgr *chat.Manager
}

func RegisterChatRoutes(e *echo.Group, mgr *chat.Manager, umw *middleware.UserManager) {
	chatRouter := ChatRouter{mgr: mgr}

	v1 := e.Group("v1")
	extractUser := v1.Group("", umw.ExtractUser)
	requireUser := v1.Group("", umw.ExtractUser, umw.RequireUser)

	extractUser.GET("/models", chatRouter.GetModels)
	requireUser.POST("/chat/completions", chatRouter.ChatRequest)
}

type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

func (cr *ChatRouter) GetModels(cc echo.Context) error {
	c := cc.(*setup.Context)

	entries := []ModelEntry{}
	for _, name := range cr.mgr.Registry.Names() {
		prov, ok := cr.mgr.Registry.Get(name)
		if !ok {
			continue
		}
		for _, model := range prov.Models() {
			entries = append(entries, ModelEntry{
				ID:      name + "/" + model,
				Object:  "model",
				OwnedBy: name,
			})
		}
	}

	return c.JSON(200, ModelList{
		Object: "list",
		Data:   entries,
	})
}

func (cr *ChatRouter) ChatRequest(cc echo.Context) error {
	c := cc.(*setup.Context)

	body, err := readRequestBody(c)
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, "failed to read request body")
	}

	reqInfo, preErr := cr.mgr.Preprocess(c.Request().Context(), chat.PreprocessInput{
		Body:      body,
		User:      *c.User,
		Endpoint:  shared.ENDPOINTS.CHAT,
		RequestID: c.Reqid,
	})
	if preErr != nil {
		c.Log.Warnw("Request rejected during preprocess", "error", preErr.Error())
		var rerr *shared.RequestError
		if errors.As(preErr, &rerr) {
			return errorResponse(c, rerr.StatusCode, rerr.Err.Error())
		}
		return errorResponse(c, 500, "internal server error")
	}

	var out *chat.ChatOutput
	var reqErr error
	err = cr.mgr.TrackInFlight(c.User.UserID, func() error {
		switch reqInfo.Stream {
		case true:
			out, reqErr = cr.streamChat(c, reqInfo)
		case false:
			out, reqErr = cr.chat(c, reqInfo)
		}
		return reqErr
	})

	// This is only the case that an error happens and no headers or data
	// has been sent back
	if err != nil {
		c.Log.Errorw("Chat request failed", "error", err.Error(), "provider", reqInfo.Provider, "model", reqInfo.Model)
		var rerr *shared.RequestError
		if !errors.As(err, &rerr) {
			return errorResponse(c, 500, "unknown internal error")
		}
		return errorResponse(c, rerr.StatusCode, rerr.Err.Error())
	}

	if out.Deduplicated {
		c.Log.Infow("Served from shared in-flight request", "provider", reqInfo.Provider, "model", reqInfo.Model)
	}
	return nil
}

func (cr *ChatRouter) streamChat(c *setup.Context, reqInfo *shared.RequestInfo) (*chat.ChatOutput, error) {
	setupSSEHeaders(c)
	streamCallback := createStreamCallback(c)

	return cr.mgr.DoChat(chat.ChatInput{
		Req:          reqInfo,
		User:         *c.User,
		Ctx:          c.Request().Context(),
		StreamWriter: streamCallback,
	})
}

func (cr *ChatRouter) chat(c *setup.Context, reqInfo *shared.RequestInfo) (*chat.ChatOutput, error) {
	out, reqErr := cr.mgr.DoChat(chat.ChatInput{
		Req:  reqInfo,
		User: *c.User,
		Ctx:  c.Request().Context(),
	})
	if reqErr != nil {
		return out, reqErr
	}

	// Need to actually send back response for non streaming requests
	c.Response().Header().Set("Content-Type", "application/json")
	c.Response().WriteHeader(http.StatusOK)
	if _, err := c.Response().Write(out.FinalResponse); err != nil {
		c.Log.Errorw("Failed writing final response", "error", err.Error())
		return out, err
	}
	return out, nil
}
