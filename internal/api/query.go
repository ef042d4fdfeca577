package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/querygate/querygate/internal/auth"
	"github.com/querygate/querygate/internal/permission"
	"github.com/querygate/querygate/internal/pipeline"
)

const (
	headerUserRole        = "X-User-Role"
	headerUserID          = "X-User-Id"
	headerUserPermissions = "X-User-Permissions"

	maxQueryLength = 2000
	maxBatchSize   = 10
)

var errIdentityMissing = errors.New("authenticated identity is missing")

type userContextBody struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	UserID      string   `json:"user_id"`
}

type queryRequest struct {
	Query       string           `json:"query"`
	UserContext *userContextBody `json:"user_context"`
}

func handleQuery(deps Dependencies, authRequired bool, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query pipeline is not configured", false, nil)
		return
	}
	request, user, ok := decodeQueryRequest(authRequired, w, r)
	if !ok {
		return
	}

	envelope := deps.Pipeline.Query(r.Context(), pipeline.QueryRequest{Query: request.Query, UserContext: user})
	writeJSON(w, statusForKind(envelope.Kind), envelope)
}

type batchRequest struct {
	Queries     []string         `json:"queries"`
	UserContext *userContextBody `json:"user_context"`
}

type batchResponse struct {
	Results   []pipeline.Envelope `json:"results"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
}

// handleQueryBatch runs several independent queries for one caller. Each
// query gets its own envelope; the call itself succeeds whatever the
// individual outcomes.
func handleQueryBatch(deps Dependencies, authRequired bool, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query pipeline is not configured", false, nil)
		return
	}
	var request batchRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid batch request body", false, map[string]any{"details": err.Error()})
		return
	}
	if len(request.Queries) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "at least one query is required", false, nil)
		return
	}
	if len(request.Queries) > maxBatchSize {
		writeError(r.Context(), w, http.StatusBadRequest, "BATCH_TOO_LARGE", "batch exceeds the maximum size", false, map[string]any{"max_batch_size": maxBatchSize})
		return
	}

	user, err := userFromRequest(r, authRequired, request.UserContext)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), false, nil)
		return
	}
	reqs := make([]pipeline.QueryRequest, 0, len(request.Queries))
	for i, text := range request.Queries {
		text = strings.TrimSpace(text)
		if text == "" {
			writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required", false, map[string]any{"index": i})
			return
		}
		if len(text) > maxQueryLength {
			writeError(r.Context(), w, http.StatusBadRequest, "QUERY_TOO_LONG", "query exceeds the maximum length", false, map[string]any{"index": i, "max_length": maxQueryLength})
			return
		}
		reqs = append(reqs, pipeline.QueryRequest{Query: text, UserContext: user})
	}

	response := batchResponse{Results: deps.Pipeline.QueryBatch(r.Context(), reqs)}
	for _, envelope := range response.Results {
		if envelope.Success {
			response.Succeeded++
		} else {
			response.Failed++
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func handleValidate(deps Dependencies, authRequired bool, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query pipeline is not configured", false, nil)
		return
	}
	request, user, ok := decodeQueryRequest(authRequired, w, r)
	if !ok {
		return
	}

	preview := deps.Pipeline.Preview(r.Context(), pipeline.QueryRequest{Query: request.Query, UserContext: user})
	status := http.StatusOK
	// A rejected statement is still a successful validation call.
	if preview.Kind != "" && preview.Kind != pipeline.KindValidation {
		status = statusForKind(preview.Kind)
	}
	writeJSON(w, status, preview)
}

func handleSuggestions(deps Dependencies, authRequired bool, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query pipeline is not configured", false, nil)
		return
	}
	user, err := userFromRequest(r, authRequired, nil)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), false, nil)
		return
	}

	suggestions, err := deps.Pipeline.Suggest(r.Context(), user, r.URL.Query().Get("partial"))
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func decodeQueryRequest(authRequired bool, w http.ResponseWriter, r *http.Request) (queryRequest, permission.UserContext, bool) {
	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return queryRequest{}, permission.UserContext{}, false
	}

	request.Query = strings.TrimSpace(request.Query)
	if request.Query == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required", false, nil)
		return queryRequest{}, permission.UserContext{}, false
	}
	if len(request.Query) > maxQueryLength {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_TOO_LONG", "query exceeds the maximum length", false, map[string]any{"max_length": maxQueryLength})
		return queryRequest{}, permission.UserContext{}, false
	}

	user, err := userFromRequest(r, authRequired, request.UserContext)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), false, nil)
		return queryRequest{}, permission.UserContext{}, false
	}
	return request, user, true
}

// userFromRequest takes the caller's user context from the authenticated
// identity when auth is required, otherwise from the body and then headers.
func userFromRequest(r *http.Request, authRequired bool, body *userContextBody) (permission.UserContext, error) {
	if authRequired {
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			return permission.UserContext{}, errIdentityMissing
		}
		return identity.UserContext(), nil
	}

	if body != nil {
		return permission.UserContext{
			Role:        strings.TrimSpace(body.Role),
			Permissions: body.Permissions,
			UserID:      strings.TrimSpace(body.UserID),
		}, nil
	}

	user := permission.UserContext{
		Role:   strings.TrimSpace(r.Header.Get(headerUserRole)),
		UserID: strings.TrimSpace(r.Header.Get(headerUserID)),
	}
	for _, perm := range strings.Split(r.Header.Get(headerUserPermissions), ",") {
		if perm = strings.TrimSpace(perm); perm != "" {
			user.Permissions = append(user.Permissions, perm)
		}
	}
	return user, nil
}

func writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pipeline.KindOf(err)
	var reasons []string
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		reasons = pe.Reasons
	}
	retryable := kind == pipeline.KindTimeout || kind == pipeline.KindCancelled
	writeError(r.Context(), w, statusForKind(kind), strings.ToUpper(string(kind)), kind.Message(), retryable, map[string]any{"reasons": reasons})
}

func statusForKind(kind pipeline.Kind) int {
	switch kind {
	case "":
		return http.StatusOK
	case pipeline.KindUnknownRole:
		return http.StatusForbidden
	case pipeline.KindValidation:
		return http.StatusUnprocessableEntity
	case pipeline.KindGeneration, pipeline.KindExecution:
		return http.StatusBadGateway
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
