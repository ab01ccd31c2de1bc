package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rcourtman/kubebroker/internal/agentexec"
	"github.com/rcourtman/kubebroker/internal/auth"
	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
	"github.com/rcourtman/kubebroker/internal/logging"
	"github.com/rcourtman/kubebroker/internal/utils"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	if err := utils.WriteJSONStatus(w, status, data); err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to write response")
	}
}

// decodeJSON decodes the request body into dst. An empty body is allowed when optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return internalerrors.New(internalerrors.KindValidation, "decode_body", fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

type createSessionRequest struct {
	ClusterID       string `json:"cluster_id"`
	ServiceIdentity string `json:"service_identity,omitempty"`
}

func (rt *Router) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		WriteError(w, r, err)
		return
	}
	identity := strings.TrimSpace(req.ServiceIdentity)
	if identity == "" {
		if id, ok := auth.IdentityFrom(r.Context()); ok {
			identity = id.Name
		}
	}

	sess, err := rt.deps.Sessions.Create(r.Context(), req.ClusterID, identity)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, sess)
}

func (rt *Router) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := rt.deps.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}

func (rt *Router) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := rt.deps.Sessions.End(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"session_id": id, "status": "ended"})
}

// executeResponse is the synchronous answer to POST /debug/execute.
type executeResponse struct {
	CommandID       string             `json:"command_id"`
	Success         bool               `json:"success"`
	Output          string             `json:"output,omitempty"`
	Error           string             `json:"error,omitempty"`
	ExecutionTimeMs int64              `json:"execution_time_ms"`
	Outcome         agentsexec.Outcome `json:"outcome,omitempty"`
}

func (rt *Router) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req agentexec.ExecuteRequest
	if err := decodeJSON(r, &req, false); err != nil {
		WriteError(w, r, err)
		return
	}

	result, err := rt.deps.Dispatcher.Execute(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, executeResponse{
		CommandID:       result.CommandID,
		Success:         result.Success,
		Output:          result.Output,
		Error:           result.Error,
		ExecutionTimeMs: result.ExecutionTimeMs,
		Outcome:         result.Outcome,
	})
}

// capabilitiesHint is advisory: the executor enforces its own policy regardless.
type capabilitiesHint struct {
	ClusterID    string                   `json:"cluster_id"`
	Connected    bool                     `json:"connected"`
	Stale        bool                     `json:"stale"`
	Capabilities *agentsexec.Capabilities `json:"capabilities"`
}

func (rt *Router) handleCapabilitiesHint(w http.ResponseWriter, r *http.Request) {
	clusterID := chi.URLParam(r, "id")
	caps, err := rt.deps.Presence.Capabilities(r.Context(), clusterID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if caps == nil {
		WriteError(w, r, internalerrors.New(internalerrors.KindNotFound, "capabilities",
			fmt.Errorf("no executor has reported for cluster %s", clusterID)).WithCluster(clusterID))
		return
	}
	lastSeen, err := rt.deps.Presence.LastSeen(r.Context(), clusterID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, capabilitiesHint{
		ClusterID:    clusterID,
		Connected:    rt.deps.Presence.Connected(lastSeen),
		Stale:        caps.Expired(time.Now()),
		Capabilities: caps,
	})
}

type issueTokenRequest struct {
	Token string `json:"token,omitempty"`
}

type issueTokenResponse struct {
	ClusterID string    `json:"cluster_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

func (rt *Router) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(r, &req, true); err != nil {
		WriteError(w, r, err)
		return
	}
	raw, record, err := rt.deps.Tokens.Issue(r.Context(), chi.URLParam(r, "id"), req.Token)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, r, http.StatusCreated, issueTokenResponse{
		ClusterID: record.ClusterID,
		Token:     raw,
		CreatedAt: record.CreatedAt,
	})
}

func (rt *Router) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	clusterID := chi.URLParam(r, "id")
	if err := rt.deps.Tokens.Revoke(r.Context(), clusterID); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"cluster_id": clusterID, "status": "revoked"})
}

func (rt *Router) handleListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := rt.deps.Tokens.ListClusters(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"clusters": clusters})
}

func (rt *Router) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	status, err := rt.deps.Tokens.ClusterStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}
