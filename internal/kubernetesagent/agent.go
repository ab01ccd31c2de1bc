// Package kubernetesagent is the cluster-resident executor. It long-polls the broker for
// kubectl commands, checks each against its local whitelist, runs the allowed ones and
// posts every outcome back.
package kubernetesagent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"

	"github.com/rcourtman/kubebroker/internal/buffer"
	"github.com/rcourtman/kubebroker/internal/models"
	"github.com/rcourtman/kubebroker/internal/policy"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

// Version is reported in capabilities and the User-Agent header.
var Version = "dev"

const (
	defaultPollWait          = 25 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultResultBuffer      = 100
	initialBackoff           = time.Second
	maxBackoff               = time.Minute
)

type Config struct {
	BrokerURL          string
	ClusterID          string
	Token              string
	InsecureSkipVerify bool
	Logger             *zerolog.Logger

	// Kubernetes connection
	KubeconfigPath string
	KubeContext    string
	KubectlPath    string
	MaxOutputBytes int

	// Whitelist
	PolicyFile     string
	ModeOverride   agentsexec.SecurityMode
	ReloadInterval time.Duration

	PollWait          time.Duration
	HeartbeatInterval time.Duration
	ResultBufferSize  int
	Version           string

	// Optional overrides; built from the fields above when nil.
	KubeClient kubernetes.Interface
	Runner     Runner
	HTTPClient *http.Client
}

type Agent struct {
	cfg      Config
	logger   zerolog.Logger
	client   *brokerClient
	enforcer *policy.Enforcer
	runner   Runner
	kube     kubernetes.Interface

	clusterID         string
	version           string
	pollWait          time.Duration
	heartbeatInterval time.Duration
	kubeVersion       atomic.Value // string

	results *buffer.Queue[agentsexec.Result]
	ready   atomic.Bool
	sleep   func(context.Context, time.Duration) error
}

func New(cfg Config) (*Agent, error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "kube-executor").Logger()

	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("agent token is required")
	}
	if err := models.ValidateClusterID(cfg.ClusterID); err != nil {
		return nil, err
	}
	brokerURL, err := normalizeBrokerURL(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}

	pollWait := cfg.PollWait
	if pollWait <= 0 {
		pollWait = defaultPollWait
	}
	if pollWait > 30*time.Second {
		pollWait = 30 * time.Second
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	bufferSize := cfg.ResultBufferSize
	if bufferSize <= 0 {
		bufferSize = defaultResultBuffer
	}
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = Version
	}

	opts := []policy.EnforcerOption{
		policy.WithReloadInterval(cfg.ReloadInterval),
		policy.OnChange(func(p policy.Policy) {
			logger.Info().Str("mode", string(p.Mode)).Msg("Whitelist changed; capabilities will be re-reported")
		}),
	}
	if cfg.ModeOverride != "" {
		opts = append(opts, policy.WithModeOverride(cfg.ModeOverride))
	}
	enforcer, err := policy.NewEnforcer(cfg.PolicyFile, opts...)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	kube := cfg.KubeClient
	runner := cfg.Runner
	if kube == nil || runner == nil {
		restCfg, contextName, err := buildRESTConfig(cfg.KubeconfigPath, cfg.KubeContext)
		if err != nil {
			return nil, err
		}
		if kube == nil {
			if kube, err = kubernetes.NewForConfig(restCfg); err != nil {
				return nil, fmt.Errorf("create kubernetes client: %w", err)
			}
		}
		if runner == nil {
			runner = KubectlRunner{
				Path:           cfg.KubectlPath,
				Kubeconfig:     strings.TrimSpace(cfg.KubeconfigPath),
				Context:        strings.TrimSpace(cfg.KubeContext),
				MaxOutputBytes: cfg.MaxOutputBytes,
			}
		}
		logger.Debug().Str("server", restCfg.Host).Str("context", contextName).Msg("Kubernetes client configured")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.InsecureSkipVerify {
			//nolint:gosec // Insecure mode is explicitly user-controlled.
			tlsConfig.InsecureSkipVerify = true
		}
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: tlsConfig,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return fmt.Errorf("broker returned redirect to %s; check the scheme in --url", req.URL)
			},
		}
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger,
		client: &brokerClient{
			baseURL:   brokerURL,
			clusterID: cfg.ClusterID,
			token:     strings.TrimSpace(cfg.Token),
			version:   version,
			http:      httpClient,
		},
		enforcer:          enforcer,
		runner:            runner,
		kube:              kube,
		clusterID:         cfg.ClusterID,
		version:           version,
		pollWait:          pollWait,
		heartbeatInterval: heartbeat,
		results:           buffer.New[agentsexec.Result](bufferSize),
		sleep:             sleepCtx,
	}
	a.kubeVersion.Store("")

	logger.Info().
		Str("cluster_id", a.clusterID).
		Str("broker_url", brokerURL).
		Str("mode", string(enforcer.Policy().Mode)).
		Msg("Executor initialized")
	return a, nil
}

// Ready reports whether the executor has reached the broker at least once.
func (a *Agent) Ready() bool { return a.ready.Load() }

// Run polls the broker until ctx ends. It returns an error only when the broker rejects the
// agent token.
func (a *Agent) Run(ctx context.Context) error {
	a.discoverKubernetesVersion(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.enforcer.Run(ctx) })
	g.Go(func() error { return a.heartbeatLoop(ctx) })
	g.Go(func() error { return a.pollLoop(ctx) })

	err := g.Wait()
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.flushResults(flushCtx)
	if n := a.results.Len(); n > 0 {
		a.logger.Warn().Int("results", n).Msg("Executor stopped with undelivered results")
	}
	return err
}

func (a *Agent) discoverKubernetesVersion(ctx context.Context) {
	if a.kube == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	version, err := serverVersion(ctx, a.kube.Discovery())
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to discover Kubernetes server version")
		return
	}
	a.kubeVersion.Store(version)
}

func (a *Agent) capabilities() agentsexec.Capabilities {
	caps := a.enforcer.Capabilities(a.clusterID, a.version)
	caps.KubernetesVersion, _ = a.kubeVersion.Load().(string)
	caps.Features = map[string]bool{
		"policy_hot_reload": true,
		"result_buffering":  true,
	}
	return caps
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		if err := a.client.PostCapabilities(ctx, a.capabilities()); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			if ctx.Err() == nil {
				a.logger.Warn().Err(err).Msg("Failed to report capabilities")
			}
		} else {
			a.ready.Store(true)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Agent) pollLoop(ctx context.Context) error {
	backoff := initialBackoff
	for ctx.Err() == nil {
		a.flushResults(ctx)

		commands, err := a.client.Poll(ctx, a.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrUnauthorized) {
				a.logger.Error().Str("cluster_id", a.clusterID).Msg("Broker rejected the agent token; stopping")
				return err
			}
			pollErrors.Inc()
			a.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Poll failed")
			if a.sleep(ctx, backoff) != nil {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = initialBackoff
		a.ready.Store(true)
		for _, cmd := range commands {
			a.deliver(ctx, a.execute(ctx, cmd))
		}
	}
	return nil
}

// execute runs one command and always produces a result.
func (a *Agent) execute(ctx context.Context, cmd agentsexec.Command) agentsexec.Result {
	logger := a.logger.With().Str("command_id", cmd.ID).Strs("args", cmd.Args).Logger()
	start := time.Now()
	result := agentsexec.Result{CommandID: cmd.ID}

	decision := a.enforcer.Validate(cmd.Args)
	if !decision.Allowed {
		policyDecisions.WithLabelValues("deny").Inc()
		logger.Warn().Str("reason", decision.Reason).Msg("Command denied by whitelist")
		result.Outcome = agentsexec.OutcomePolicyViolation
		result.Error = "policy violation: " + decision.Reason
		result.CompletedAt = time.Now().UTC()
		return result
	}
	policyDecisions.WithLabelValues("allow").Inc()

	runCtx := ctx
	if !cmd.SubmittedAt.IsZero() && cmd.TimeoutMs > 0 {
		deadline := cmd.Deadline()
		if !time.Now().Before(deadline) {
			result.Outcome = agentsexec.OutcomeExecutionFailure
			result.Error = "command deadline passed before execution"
			result.CompletedAt = time.Now().UTC()
			logger.Warn().Time("deadline", deadline).Msg("Skipping command past its deadline")
			return result
		}
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	output, err := a.runner.Run(runCtx, policy.StripBinary(cmd.Args))
	elapsed := time.Since(start)

	result.Output = output
	result.ExecutionTimeMs = elapsed.Milliseconds()
	result.CompletedAt = time.Now().UTC()
	if err != nil {
		result.Outcome = agentsexec.OutcomeExecutionFailure
		result.Error = err.Error()
		logger.Info().Err(err).Dur("elapsed", elapsed).Msg("Command failed")
	} else {
		result.Success = true
		result.Outcome = agentsexec.OutcomeCompleted
		logger.Debug().Dur("elapsed", elapsed).Int("output_bytes", len(output)).Msg("Command completed")
	}
	commandDuration.WithLabelValues(string(result.Outcome)).Observe(elapsed.Seconds())
	return result
}

func (a *Agent) deliver(ctx context.Context, result agentsexec.Result) {
	err := a.client.PostResult(ctx, result)
	switch {
	case err == nil:
		return
	case isRejected(err):
		resultsDropped.Inc()
		a.logger.Warn().Err(err).Str("command_id", result.CommandID).Msg("Broker rejected result; dropping")
	default:
		a.logger.Warn().Err(err).Str("command_id", result.CommandID).Msg("Failed to post result, buffering")
		if a.results.Push(result) {
			resultsDropped.Inc()
		}
		resultsBuffered.Set(float64(a.results.Len()))
	}
}

func (a *Agent) flushResults(ctx context.Context) {
	if a.results.Len() == 0 {
		return
	}
	sent, err := a.results.Flush(func(result agentsexec.Result) error {
		err := a.client.PostResult(ctx, result)
		if isRejected(err) {
			resultsDropped.Inc()
			a.logger.Warn().Err(err).Str("command_id", result.CommandID).Msg("Broker rejected buffered result; dropping")
			return nil
		}
		return err
	})
	resultsBuffered.Set(float64(a.results.Len()))
	if err != nil && ctx.Err() == nil {
		a.logger.Debug().Err(err).Int("remaining", a.results.Len()).Msg("Result flush interrupted")
	}
	if sent > 0 {
		a.logger.Info().Int("sent", sent).Msg("Flushed buffered results")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
