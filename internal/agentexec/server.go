// Package agentexec connects client execute calls to cluster executors. The Dispatcher queues
// commands and waits for results; the Server is the executor-facing long-poll gateway.
package agentexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/kubebroker/internal/auth"
	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
	"github.com/rcourtman/kubebroker/internal/queue"
	"github.com/rcourtman/kubebroker/internal/results"
	"github.com/rcourtman/kubebroker/internal/tokens"
	"github.com/rcourtman/kubebroker/internal/utils"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

// MaxResultBytes bounds an executor's result body.
const MaxResultBytes = 4 << 20

const maxCapabilitiesBytes = 64 << 10

// ErrorWriter renders a failed request.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Server handles the executor side of the broker: long-poll command delivery, result intake
// and capability reports. Callers must already be authenticated by auth.RequireAgentToken.
type Server struct {
	queue      *queue.Queue
	results    *results.Store
	presence   *tokens.Presence
	dispatcher *Dispatcher
	writeError ErrorWriter
	logger     zerolog.Logger
}

// NewServer creates the executor gateway.
func NewServer(q *queue.Queue, r *results.Store, presence *tokens.Presence, d *Dispatcher, writeError ErrorWriter) *Server {
	if writeError == nil {
		writeError = defaultErrorWriter
	}
	return &Server{
		queue:      q,
		results:    r,
		presence:   presence,
		dispatcher: d,
		writeError: writeError,
		logger:     log.With().Str("component", "gateway").Logger(),
	}
}

func defaultErrorWriter(w http.ResponseWriter, _ *http.Request, err error) {
	http.Error(w, err.Error(), internalerrors.HTTPStatus(err))
}

func clusterFrom(r *http.Request) (string, error) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok || id.Realm != auth.RealmAgent || id.ClusterID == "" {
		return "", internalerrors.New(internalerrors.KindAuth, "agent_request", nil)
	}
	return id.ClusterID, nil
}

// ParseWait reads the wait query parameter in seconds, clamped to [0, queue.MaxWait].
func ParseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("wait must be an integer number of seconds")
	}
	return queue.ClampWait(time.Duration(seconds) * time.Second), nil
}

// HandlePoll serves GET /agent/commands?wait=N. It returns at most one command.
func (s *Server) HandlePoll(w http.ResponseWriter, r *http.Request) {
	clusterID, err := clusterFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wait, err := ParseWait(r.URL.Query().Get("wait"))
	if err != nil {
		s.writeError(w, r, internalerrors.New(internalerrors.KindValidation, "poll", err).WithCluster(clusterID))
		return
	}

	if err := s.presence.Heartbeat(r.Context(), clusterID); err != nil {
		s.logger.Warn().Err(err).Str("cluster_id", clusterID).Msg("Failed to record heartbeat")
	}

	cmd, err := s.queue.Pop(r.Context(), clusterID, wait)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.writeError(w, r, err)
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// The executor hung up while we were waiting; hand the command to the next poller.
	if r.Context().Err() != nil {
		s.requeue(*cmd)
		return
	}

	if err := s.dispatcher.MarkDispatched(r.Context(), *cmd); err != nil {
		s.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("Failed to record dispatch")
	}

	if err := utils.WriteJSONResponse(w, agentsexec.PollResponse{Commands: []agentsexec.Command{*cmd}}); err != nil {
		s.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("Failed to deliver command; requeueing")
		s.requeue(*cmd)
		return
	}
	s.logger.Debug().
		Str("cluster_id", clusterID).
		Str("command_id", cmd.ID).
		Msg("Command dispatched")
}

func (s *Server) requeue(cmd agentsexec.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.dispatcher.MarkPending(ctx, cmd); err != nil {
		s.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("Failed to reset command state")
	}
	if err := s.queue.Requeue(ctx, cmd); err != nil {
		s.logger.Error().Err(err).Str("command_id", cmd.ID).Msg("Failed to requeue undelivered command")
	}
}

// HandleResult serves POST /agent/results.
func (s *Server) HandleResult(w http.ResponseWriter, r *http.Request) {
	clusterID, err := clusterFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var result agentsexec.Result
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxResultBytes))
	if err := dec.Decode(&result); err != nil {
		s.writeError(w, r, internalerrors.New(internalerrors.KindValidation, "submit_result",
			fmt.Errorf("invalid result body: %w", err)).WithCluster(clusterID))
		return
	}
	if result.CommandID == "" {
		s.writeError(w, r, internalerrors.New(internalerrors.KindValidation, "submit_result",
			fmt.Errorf("command_id is required")).WithCluster(clusterID))
		return
	}

	// Executors may only answer their own cluster's commands. Unknown and foreign commands look
	// the same to the caller.
	owner, err := s.dispatcher.CommandCluster(r.Context(), result.CommandID)
	if err == nil && owner != clusterID {
		s.logger.Warn().
			Str("cluster_id", clusterID).
			Str("command_id", result.CommandID).
			Msg("Executor posted a result for another cluster's command")
		err = internalerrors.New(internalerrors.KindNotFound, "submit_result", nil).WithCommand(result.CommandID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if result.Outcome == "" {
		result.Outcome = agentsexec.OutcomeCompleted
		if !result.Success {
			result.Outcome = agentsexec.OutcomeExecutionFailure
		}
	}
	if err := s.results.Store(r.Context(), result); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.dispatcher.MarkCompleted(r.Context(), result.CommandID, clusterID); err != nil {
		s.logger.Warn().Err(err).Str("command_id", result.CommandID).Msg("Failed to record completion")
	}

	s.logger.Debug().
		Str("cluster_id", clusterID).
		Str("command_id", result.CommandID).
		Bool("success", result.Success).
		Str("outcome", string(result.Outcome)).
		Msg("Result accepted")
	_ = utils.WriteJSONResponse(w, agentsexec.ResultAck{Status: agentsexec.ResultStatusAccepted})
}

// HandleCapabilities serves POST /agent/capabilities. A report also counts as a heartbeat.
func (s *Server) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	clusterID, err := clusterFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var caps agentsexec.Capabilities
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCapabilitiesBytes)).Decode(&caps); err != nil {
		s.writeError(w, r, internalerrors.New(internalerrors.KindValidation, "report_capabilities",
			fmt.Errorf("invalid capabilities body: %w", err)).WithCluster(clusterID))
		return
	}
	if caps.ClusterID != "" && caps.ClusterID != clusterID {
		s.writeError(w, r, internalerrors.New(internalerrors.KindValidation, "report_capabilities",
			fmt.Errorf("capabilities are for cluster %s", caps.ClusterID)).WithCluster(clusterID))
		return
	}
	caps.ClusterID = clusterID
	mode, err := agentsexec.ParseSecurityMode(string(caps.Mode))
	if err != nil {
		s.writeError(w, r, internalerrors.New(internalerrors.KindValidation, "report_capabilities", err).WithCluster(clusterID))
		return
	}
	caps.Mode = mode
	caps.ExecutorVersion = utils.NormalizeVersion(caps.ExecutorVersion)

	if err := s.presence.ReportCapabilities(r.Context(), caps); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.logger.Debug().
		Str("cluster_id", clusterID).
		Str("mode", string(caps.Mode)).
		Str("executor_version", caps.ExecutorVersion).
		Msg("Capabilities reported")
	_ = utils.WriteJSONResponse(w, agentsexec.ResultAck{Status: agentsexec.ResultStatusAccepted})
}
