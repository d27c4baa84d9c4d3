package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/metavault/internal/auth"
	"github.com/jun/metavault/internal/metafile"
)

// AccountHandler tears down user accounts.
type AccountHandler struct {
	coordinator *metafile.Coordinator
	authService *auth.Service
	logger      *slog.Logger
	jwtSecret   string
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(c *metafile.Coordinator, s *auth.Service, logger *slog.Logger, jwtSecret string) *AccountHandler {
	return &AccountHandler{coordinator: c, authService: s, logger: logger, jwtSecret: jwtSecret}
}

// DeleteAccount handles POST /delete_account. Lock state goes first, in one
// transaction; cloud bindings are dropped afterwards.
func (h *AccountHandler) DeleteAccount(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return unauthorized()
	}

	if err := h.coordinator.ForceReleaseAll(ctx, userID); err != nil {
		h.logger.ErrorContext(ctx, "deleting account", slog.String("user_id", userID), slog.Any("error", err))
		return textResponse(http.StatusInternalServerError, "Database Error")
	}
	if err := h.authService.Forget(ctx, userID); err != nil {
		h.logger.ErrorContext(ctx, "dropping cloud bindings", slog.String("user_id", userID), slog.Any("error", err))
		return textResponse(http.StatusInternalServerError, "Database Error")
	}

	h.logger.InfoContext(ctx, "account deleted", slog.String("user_id", userID))
	return jsonResponse(http.StatusOK, map[string]bool{"success": true})
}
