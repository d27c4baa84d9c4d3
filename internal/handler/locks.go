package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/metavault/internal/metafile"
	"github.com/jun/metavault/internal/model"
)

// LockHandler serves the metafile lock ledger and version history.
type LockHandler struct {
	coordinator *metafile.Coordinator
	logger      *slog.Logger
	jwtSecret   string
}

// NewLockHandler creates a new LockHandler.
func NewLockHandler(c *metafile.Coordinator, logger *slog.Logger, jwtSecret string) *LockHandler {
	return &LockHandler{coordinator: c, logger: logger, jwtSecret: jwtSecret}
}

// lockView is the wire shape of a ledger entry. Times are Unix seconds.
type lockView struct {
	LockID             string `json:"lockId"`
	StartTime          int64  `json:"startTime"`
	EndTime            *int64 `json:"endTime"`
	OriginatingAddress string `json:"originatingAddress"`
}

func toLockView(e model.LockEntry) lockView {
	v := lockView{
		LockID:             e.LockID,
		StartTime:          e.StartTime.Unix(),
		OriginatingAddress: e.IPAddress,
	}
	if e.EndTime != nil {
		end := e.EndTime.Unix()
		v.EndTime = &end
	}
	return v
}

// ListLocks handles GET /locks: the newest ledger entries of the session user.
func (h *LockHandler) ListLocks(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return unauthorized()
	}

	entries, err := h.coordinator.RecentLocks(ctx, userID, metafile.DefaultRecentLimit)
	if err != nil {
		h.logger.ErrorContext(ctx, "listing locks", slog.String("user_id", userID), slog.Any("error", err))
		return textResponse(http.StatusInternalServerError, "Database Error")
	}

	views := make([]lockView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toLockView(e))
	}
	return jsonResponse(http.StatusOK, views)
}

// Acquire handles POST /lock.
func (h *LockHandler) Acquire(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return unauthorized()
	}

	entry, err := h.coordinator.Acquire(ctx, userID, sourceIP(req))
	switch {
	case errors.Is(err, metafile.ErrAlreadyLocked):
		return textResponse(http.StatusConflict, "Already Locked")
	case err != nil:
		h.logger.ErrorContext(ctx, "acquiring lock", slog.String("user_id", userID), slog.Any("error", err))
		return textResponse(http.StatusInternalServerError, "Database Error")
	}
	return jsonResponse(http.StatusOK, toLockView(*entry))
}

// Unlock handles POST /unlock/{lockId}.
func (h *LockHandler) Unlock(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return unauthorized()
	}

	err = h.coordinator.Release(ctx, userID, req.PathParameters["lockId"])
	switch {
	case errors.Is(err, metafile.ErrInvalidToken):
		return textResponse(http.StatusBadRequest, "Invalid Request")
	case err != nil:
		h.logger.ErrorContext(ctx, "releasing lock", slog.String("user_id", userID), slog.Any("error", err))
		return textResponse(http.StatusInternalServerError, "Database Error")
	}
	return jsonResponse(http.StatusOK, map[string]bool{"success": true})
}

type recordVersionRequest struct {
	LockID   string `json:"lockId"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type versionView struct {
	VersionID string `json:"versionId"`
	LockID    string `json:"lockId"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
	CreatedAt int64  `json:"createdAt"`
}

func toVersionView(v model.Version) versionView {
	return versionView{
		VersionID: v.VersionID,
		LockID:    v.LockID,
		Size:      v.Size,
		Checksum:  v.Checksum,
		CreatedAt: v.CreatedAt.Unix(),
	}
}

// RecordVersion handles POST /versions. The caller must hold the lock named in the body.
func (h *LockHandler) RecordVersion(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return unauthorized()
	}

	var body recordVersionRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil || body.Size < 0 {
		return textResponse(http.StatusBadRequest, "Invalid Request")
	}

	v, err := h.coordinator.RecordVersion(ctx, userID, body.LockID, body.Size, body.Checksum)
	switch {
	case errors.Is(err, metafile.ErrInvalidToken):
		return textResponse(http.StatusBadRequest, "Invalid Request")
	case err != nil:
		h.logger.ErrorContext(ctx, "recording version", slog.String("user_id", userID), slog.Any("error", err))
		return textResponse(http.StatusInternalServerError, "Database Error")
	}
	return jsonResponse(http.StatusCreated, toVersionView(*v))
}

// ListVersions handles GET /versions?limit=n.
func (h *LockHandler) ListVersions(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return unauthorized()
	}

	limit := 0
	if raw := req.QueryStringParameters["limit"]; raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			return textResponse(http.StatusBadRequest, "Invalid Request")
		}
	}

	versions, err := h.coordinator.Versions(ctx, userID, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "listing versions", slog.String("user_id", userID), slog.Any("error", err))
		return textResponse(http.StatusInternalServerError, "Database Error")
	}
	views := make([]versionView, 0, len(versions))
	for _, v := range versions {
		views = append(views, toVersionView(v))
	}
	return jsonResponse(http.StatusOK, views)
}
