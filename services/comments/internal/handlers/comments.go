package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/course-platform/internal/platform/api"
	"github.com/example/course-platform/internal/platform/auth"
	"github.com/example/course-platform/internal/platform/httpserver"
	"github.com/example/course-platform/services/comments/internal/service"
	"github.com/example/course-platform/services/comments/internal/store"
	"github.com/example/course-platform/services/comments/internal/tree"
)

type createCommentRequest struct {
	Content  string  `json:"content"`
	ParentID *string `json:"parent_id,omitempty"`
}

type updateCommentRequest struct {
	Content string `json:"content"`
}

type repliesResponse struct {
	Replies []*tree.Node `json:"replies"`
}

type countResponse struct {
	Count int `json:"count"`
}

type removedResponse struct {
	Removed int `json:"removed"`
}

// writeServiceError maps the service error kinds to HTTP responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	rid := httpserver.RequestIDFromContext(r.Context())
	switch {
	case errors.Is(err, service.ErrValidation):
		api.BadRequest(w, "INVALID_CONTENT", "content must be non-empty and within the length limit", rid, nil)
	case errors.Is(err, service.ErrDepthExceeded):
		api.UnprocessableEntity(w, "DEPTH_EXCEEDED", "maximum reply depth exceeded", rid, nil)
	case errors.Is(err, service.ErrNotFound):
		api.NotFound(w, "NOT_FOUND", "comment not found", rid)
	case errors.Is(err, service.ErrForbidden):
		api.Forbidden(w, "FORBIDDEN", "not allowed", rid)
	case errors.Is(err, service.ErrConflict):
		api.Conflict(w, "CONFLICT", "write conflict, retry the request", rid, nil)
	case errors.Is(err, service.ErrInvalidOperation):
		api.Conflict(w, "INVALID_OPERATION", "operation not valid for this comment", rid, nil)
	default:
		api.Internal(w, rid)
	}
}

// CreateComment handles POST /v1/lessons/{lesson_id}/comments
func CreateComment(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok || userID == "" {
			api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
			return
		}

		lessonID := strings.TrimSpace(chi.URLParam(r, "lesson_id"))
		if lessonID == "" {
			api.BadRequest(w, "MISSING_ID", "lesson_id is required", rid, nil)
			return
		}

		var req createCommentRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			api.BadRequest(w, "INVALID_JSON", "invalid JSON", rid, nil)
			return
		}

		created, err := svc.Create(r.Context(), service.CreateInput{
			LessonID: lessonID,
			AuthorID: userID,
			ParentID: req.ParentID,
			Content:  req.Content,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, created)
	}
}

// ListComments handles GET /v1/lessons/{lesson_id}/comments
func ListComments(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		lessonID := strings.TrimSpace(chi.URLParam(r, "lesson_id"))
		if lessonID == "" {
			api.BadRequest(w, "MISSING_ID", "lesson_id is required", rid, nil)
			return
		}

		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
				page = parsed
			}
		}
		size := 20
		if s := r.URL.Query().Get("size"); s != "" {
			if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 && parsed <= 100 {
				size = parsed
			}
		}
		sortDir := store.SortAsc
		if strings.ToLower(strings.TrimSpace(r.URL.Query().Get("sort"))) == store.SortDesc {
			sortDir = store.SortDesc
		}

		pageData, err := svc.Roots(r.Context(), lessonID, page, size, sortDir)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, pageData)
	}
}

// CountComments handles GET /v1/lessons/{lesson_id}/comments/count
func CountComments(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		lessonID := strings.TrimSpace(chi.URLParam(r, "lesson_id"))
		if lessonID == "" {
			api.BadRequest(w, "MISSING_ID", "lesson_id is required", rid, nil)
			return
		}

		n, err := svc.Count(r.Context(), lessonID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, countResponse{Count: n})
	}
}

// GetReplies handles GET /v1/comments/{comment_id}/replies
func GetReplies(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		commentID := strings.TrimSpace(chi.URLParam(r, "comment_id"))
		if commentID == "" {
			api.BadRequest(w, "MISSING_ID", "comment_id is required", rid, nil)
			return
		}

		nodes, err := svc.Replies(r.Context(), commentID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, repliesResponse{Replies: nodes})
	}
}

// UpdateComment handles PUT /v1/comments/{comment_id}
func UpdateComment(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok || userID == "" {
			api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
			return
		}

		commentID := strings.TrimSpace(chi.URLParam(r, "comment_id"))
		if commentID == "" {
			api.BadRequest(w, "MISSING_ID", "comment_id is required", rid, nil)
			return
		}

		var req updateCommentRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			api.BadRequest(w, "INVALID_JSON", "invalid JSON", rid, nil)
			return
		}

		updated, err := svc.Update(r.Context(), commentID, userID, req.Content)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, updated)
	}
}

// DeleteComment handles DELETE /v1/comments/{comment_id}
func DeleteComment(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok || userID == "" {
			api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
			return
		}

		commentID := strings.TrimSpace(chi.URLParam(r, "comment_id"))
		if commentID == "" {
			api.BadRequest(w, "MISSING_ID", "comment_id is required", rid, nil)
			return
		}

		removed, err := svc.Delete(r.Context(), commentID, userID, auth.Privileged(r.Context()))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, removedResponse{Removed: removed})
	}
}

// PurgeComment handles DELETE /v1/comments/{comment_id}/purge.
// Mounted behind auth.RequireAdmin.
func PurgeComment(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok || userID == "" {
			api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
			return
		}

		commentID := strings.TrimSpace(chi.URLParam(r, "comment_id"))
		if commentID == "" {
			api.BadRequest(w, "MISSING_ID", "comment_id is required", rid, nil)
			return
		}

		purged, err := svc.Purge(r.Context(), commentID, userID, auth.Privileged(r.Context()))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, removedResponse{Removed: purged})
	}
}
