package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/metavault/internal/auth"
	"github.com/jun/metavault/internal/cloud"
)

// AuthHandler drives vault authorization against cloud backends.
type AuthHandler struct {
	authService *auth.Service
	logger      *slog.Logger
	jwtSecret   string
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(s *auth.Service, logger *slog.Logger, jwtSecret string) *AuthHandler {
	return &AuthHandler{authService: s, logger: logger, jwtSecret: jwtSecret}
}

// Login handles GET /auth/{backend}/login?vault=<id> and returns the consent URL.
func (h *AuthHandler) Login(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return unauthorized()
	}

	vaultID := req.QueryStringParameters["vault"]
	if vaultID == "" {
		return textResponse(http.StatusBadRequest, "Missing vault")
	}

	consent, err := h.authService.AuthorizationURL(ctx, userID, req.PathParameters["backend"], vaultID)
	switch {
	case errors.Is(err, cloud.ErrUnknownBackend):
		return textResponse(http.StatusNotFound, "Unknown backend")
	case err != nil:
		h.logger.ErrorContext(ctx, "starting authorization", slog.String("user_id", userID), slog.Any("error", err))
		return textResponse(http.StatusInternalServerError, "Internal Server Error")
	}
	return jsonResponse(http.StatusOK, map[string]string{"url": consent})
}

// Callback handles GET /auth/callback. The body is always an AuthResult;
// provider failures are reported with 502.
func (h *AuthHandler) Callback(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	res, err := h.authService.Complete(ctx, callbackParams(req))
	if err != nil {
		h.logger.ErrorContext(ctx, "authorization callback failed", slog.Any("error", err))
		return jsonResponse(http.StatusBadGateway, cloud.Denied("", "", "authorization could not be completed"))
	}
	return jsonResponse(http.StatusOK, res)
}

func callbackParams(req events.APIGatewayProxyRequest) url.Values {
	params := url.Values{}
	for k, vs := range req.MultiValueQueryStringParameters {
		params[k] = append([]string(nil), vs...)
	}
	for k, v := range req.QueryStringParameters {
		if _, ok := params[k]; !ok {
			params.Set(k, v)
		}
	}
	return params
}
