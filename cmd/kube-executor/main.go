package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/kubebroker/internal/kubernetesagent"
	"github.com/rcourtman/kubebroker/internal/logging"
	"github.com/rcourtman/kubebroker/internal/utils"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

// Version is set at build time with -ldflags.
var Version = "dev"

const defaultTokenFile = "/var/run/secrets/kube-executor/token"

var (
	executorInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kube_executor_info",
		Help: "Information about the executor",
	}, []string{"version", "cluster_id"})

	executorUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kube_executor_up",
		Help: "Whether the executor is running (1 = up, 0 = down)",
	})
)

// Runnable is the part of the executor the entrypoint drives.
type Runnable interface {
	Run(ctx context.Context) error
	Ready() bool
}

var (
	newAgent = func(c kubernetesagent.Config) (Runnable, error) {
		return kubernetesagent.New(c)
	}
	readFile = os.ReadFile
)

type Config struct {
	Agent      kubernetesagent.Config
	LogLevel   zerolog.Level
	LogFormat  string
	LogFile    string
	HealthAddr string
	SelfTest   bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Getenv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string) error {
	cfg, err := loadConfig(args, getenv)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel.String(),
		Component: "kube-executor",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()
	logger := logging.New("kube-executor", logging.WithFields(map[string]interface{}{
		"cluster_id": cfg.Agent.ClusterID,
	}))
	cfg.Agent.Logger = &logger

	if cfg.SelfTest {
		logger.Info().Msg("Self-test passed: config loaded and logger initialized")
		return nil
	}

	agent, err := newAgent(cfg.Agent)
	if err != nil {
		return fmt.Errorf("initialize executor: %w", err)
	}

	executorInfo.WithLabelValues(Version, cfg.Agent.ClusterID).Set(1)
	executorUp.Set(1)
	defer executorUp.Set(0)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.HealthAddr != "" {
		serveHealth(ctx, g, cfg.HealthAddr, agent, &logger)
	}

	logger.Info().
		Str("version", Version).
		Str("broker_url", cfg.Agent.BrokerURL).
		Msg("Starting kube-executor")

	g.Go(func() error { return agent.Run(ctx) })
	err = g.Wait()
	logger.Info().Msg("kube-executor stopped")
	return err
}

func healthHandler(ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// Ready once the broker has answered.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func serveHealth(ctx context.Context, g *errgroup.Group, addr string, agent Runnable, logger *zerolog.Logger) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      healthHandler(agent.Ready),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down health server")
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("Health server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("Health server stopped unexpectedly")
		}
		return nil
	})
}

func loadConfig(args []string, getenv func(string) string) (Config, error) {
	env := func(name string) string { return strings.TrimSpace(getenv(name)) }
	envDuration := func(name string, fallback time.Duration) time.Duration {
		if v := env(name); v != "" {
			if d, err := utils.ParseDuration(v); err == nil {
				return d
			}
		}
		return fallback
	}
	envInt := func(name string, fallback int) int {
		if v := env(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return fallback
	}

	fs := flag.NewFlagSet("kube-executor", flag.ContinueOnError)
	urlFlag := fs.String("url", env("KUBE_EXECUTOR_BROKER_URL"), "Broker URL")
	clusterFlag := fs.String("cluster-id", env("KUBE_EXECUTOR_CLUSTER_ID"), "Cluster id this executor serves")
	tokenFlag := fs.String("token", "", "Agent token (prefer --token-file)")
	tokenFileFlag := fs.String("token-file", env("KUBE_EXECUTOR_TOKEN_FILE"), "Path to a file containing the agent token")
	insecureFlag := fs.Bool("insecure", utils.ParseBool(env("KUBE_EXECUTOR_INSECURE_SKIP_VERIFY")), "Skip TLS certificate verification")
	kubeconfigFlag := fs.String("kubeconfig", env("KUBE_EXECUTOR_KUBECONFIG"), "Path to kubeconfig (default: in-cluster)")
	kubeContextFlag := fs.String("kube-context", env("KUBE_EXECUTOR_KUBE_CONTEXT"), "kubeconfig context to use")
	kubectlFlag := fs.String("kubectl", env("KUBE_EXECUTOR_KUBECTL"), "Path to the kubectl binary")
	maxOutputFlag := fs.Int("max-output-bytes", envInt("KUBE_EXECUTOR_MAX_OUTPUT_BYTES", kubernetesagent.DefaultMaxOutputBytes), "Cap on captured kubectl output")
	policyFlag := fs.String("policy", env("KUBE_EXECUTOR_POLICY_FILE"), "Whitelist policy file (default: built-in read-only policy)")
	modeFlag := fs.String("mode", env("KUBE_EXECUTOR_MODE"), "Override the policy mode: readOnly, extendedReadOnly or fullAccess")
	reloadFlag := fs.Duration("reload-interval", envDuration("KUBE_EXECUTOR_RELOAD_INTERVAL", 30*time.Second), "Policy file reload interval")
	pollWaitFlag := fs.Duration("poll-wait", envDuration("KUBE_EXECUTOR_POLL_WAIT", 25*time.Second), "Long-poll wait (max 30s)")
	heartbeatFlag := fs.Duration("heartbeat-interval", envDuration("KUBE_EXECUTOR_HEARTBEAT_INTERVAL", 30*time.Second), "Capability report interval")
	bufferFlag := fs.Int("result-buffer", envInt("KUBE_EXECUTOR_RESULT_BUFFER", 100), "Results held while the broker is unreachable")
	healthAddrFlag := fs.String("health-addr", env("KUBE_EXECUTOR_HEALTH_ADDR"), "Health and metrics listen address (empty disables)")
	logLevelFlag := fs.String("log-level", defaultLogLevel(env("LOG_LEVEL")), "Log level: debug, info, warn, error")
	showVersion := fs.Bool("version", false, "Print the executor version and exit")
	selfTest := fs.Bool("self-test", false, "Validate configuration and exit")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if *showVersion {
		fmt.Println(Version)
		return Config{}, flag.ErrHelp
	}

	brokerURL := strings.TrimSpace(*urlFlag)
	if brokerURL == "" {
		return Config{}, fmt.Errorf("broker URL is required (use --url or KUBE_EXECUTOR_BROKER_URL)")
	}
	clusterID := strings.TrimSpace(*clusterFlag)
	if clusterID == "" {
		return Config{}, fmt.Errorf("cluster id is required (use --cluster-id or KUBE_EXECUTOR_CLUSTER_ID)")
	}

	token := resolveToken(*tokenFlag, *tokenFileFlag, env("KUBE_EXECUTOR_TOKEN"))
	if token == "" && !*selfTest {
		return Config{}, fmt.Errorf("agent token is required (use --token, --token-file, KUBE_EXECUTOR_TOKEN env, or %s)", defaultTokenFile)
	}

	var mode agentsexec.SecurityMode
	if strings.TrimSpace(*modeFlag) != "" {
		parsed, err := agentsexec.ParseSecurityMode(*modeFlag)
		if err != nil {
			return Config{}, err
		}
		mode = parsed
	}

	logLevel, err := parseLogLevel(*logLevelFlag)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	return Config{
		Agent: kubernetesagent.Config{
			BrokerURL:          brokerURL,
			ClusterID:          clusterID,
			Token:              token,
			InsecureSkipVerify: *insecureFlag,
			KubeconfigPath:     strings.TrimSpace(*kubeconfigFlag),
			KubeContext:        strings.TrimSpace(*kubeContextFlag),
			KubectlPath:        strings.TrimSpace(*kubectlFlag),
			MaxOutputBytes:     *maxOutputFlag,
			PolicyFile:         strings.TrimSpace(*policyFlag),
			ModeOverride:       mode,
			ReloadInterval:     *reloadFlag,
			PollWait:           *pollWaitFlag,
			HeartbeatInterval:  *heartbeatFlag,
			ResultBufferSize:   *bufferFlag,
			Version:            Version,
		},
		LogLevel:   logLevel,
		LogFormat:  env("LOG_FORMAT"),
		LogFile:    env("LOG_FILE"),
		HealthAddr: strings.TrimSpace(*healthAddrFlag),
		SelfTest:   *selfTest,
	}, nil
}

func parseLogLevel(value string) (zerolog.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(normalized)
}

func defaultLogLevel(envValue string) string {
	if envValue == "" {
		return "info"
	}
	return envValue
}

// resolveToken picks the token from, in order: --token, --token-file, the
// KUBE_EXECUTOR_TOKEN environment variable, then the default mounted secret.
func resolveToken(tokenFlag, tokenFileFlag, envToken string) string {
	if t := strings.TrimSpace(tokenFlag); t != "" {
		return t
	}
	if tokenFileFlag != "" {
		if content, err := readFile(tokenFileFlag); err == nil {
			if t := strings.TrimSpace(string(content)); t != "" {
				return t
			}
		}
	}
	if t := strings.TrimSpace(envToken); t != "" {
		return t
	}
	if content, err := readFile(defaultTokenFile); err == nil {
		return strings.TrimSpace(string(content))
	}
	return ""
}

var _ Runnable = (*kubernetesagent.Agent)(nil)

