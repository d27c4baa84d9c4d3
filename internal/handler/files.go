package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/metavault/internal/auth"
	"github.com/jun/metavault/internal/cloud"
	"github.com/jun/metavault/internal/tokenstore"
)

// FilesHandler lists folders of bound cloud vaults.
type FilesHandler struct {
	authService *auth.Service
	logger      *slog.Logger
	jwtSecret   string
}

// NewFilesHandler creates a new FilesHandler.
func NewFilesHandler(s *auth.Service, logger *slog.Logger, jwtSecret string) *FilesHandler {
	return &FilesHandler{authService: s, logger: logger, jwtSecret: jwtSecret}
}

// ListFiles handles GET /files?vault=<id>&path=/dir.
func (h *FilesHandler) ListFiles(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return unauthorized()
	}

	vaultID := req.QueryStringParameters["vault"]
	if vaultID == "" {
		return textResponse(http.StatusBadRequest, "Missing vault")
	}
	dir := req.QueryStringParameters["path"]
	if dir == "" {
		dir = "/"
	}

	client, err := h.authService.Open(ctx, userID, vaultID)
	if err != nil {
		return h.cloudError(ctx, userID, vaultID, err)
	}

	files := []cloud.RemoteFile{}
	for f, err := range client.ListFiles(ctx, dir) {
		if err != nil {
			return h.cloudError(ctx, userID, vaultID, err)
		}
		files = append(files, f)
	}
	return jsonResponse(http.StatusOK, files)
}

func (h *FilesHandler) cloudError(ctx context.Context, userID, vaultID string, err error) (events.APIGatewayProxyResponse, error) {
	switch {
	case errors.Is(err, tokenstore.ErrNotBound):
		return textResponse(http.StatusNotFound, "Vault Not Bound")
	case errors.Is(err, cloud.ErrPathNotFound):
		return textResponse(http.StatusNotFound, "Path Not Found")
	case errors.Is(err, cloud.ErrCredentialExpired):
		return textResponse(http.StatusUnauthorized, "Reauthorization Required")
	case errors.Is(err, cloud.ErrTransport):
		h.logger.WarnContext(ctx, "cloud provider unavailable",
			slog.String("user_id", userID), slog.String("vault_id", vaultID), slog.Any("error", err))
		return textResponse(http.StatusBadGateway, "Cloud Provider Error")
	default:
		h.logger.ErrorContext(ctx, "listing vault",
			slog.String("user_id", userID), slog.String("vault_id", vaultID), slog.Any("error", err))
		return textResponse(http.StatusInternalServerError, "Internal Server Error")
	}
}
