// Command cnagent is the compute-node agent: a long-lived process that
// exposes a local HTTP task-dispatch surface, forks worker processes to
// execute tasks, samples host status, and keeps a controller link alive.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/cnagent/pkg/backend"
	"github.com/cuemby/cnagent/pkg/backend/hypervisorbackend"
	"github.com/cuemby/cnagent/pkg/backend/linuxbackend"
	"github.com/cuemby/cnagent/pkg/backend/mockbackend"
	"github.com/cuemby/cnagent/pkg/config"
	"github.com/cuemby/cnagent/pkg/controllerlink"
	"github.com/cuemby/cnagent/pkg/dispatch"
	"github.com/cuemby/cnagent/pkg/events"
	"github.com/cuemby/cnagent/pkg/httpapi"
	"github.com/cuemby/cnagent/pkg/log"
	"github.com/cuemby/cnagent/pkg/queue"
	"github.com/cuemby/cnagent/pkg/runner"
	"github.com/cuemby/cnagent/pkg/sampler"
	"github.com/cuemby/cnagent/pkg/task"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cnagent",
	Short:   "cnagent - compute-node task execution agent",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"cnagent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent's HTTP surface, task runner, sampler, and controller link",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		workerBin, _ := cmd.Flags().GetString("worker-bin")
		logDir, _ := cmd.Flags().GetString("log-dir")
		backendName, _ := cmd.Flags().GetString("backend")
		mockDir, _ := cmd.Flags().GetString("mock-dir")
		simulate, _ := cmd.Flags().GetInt("simulate")
		configPath, _ := cmd.Flags().GetString("config")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if simulate > 0 {
			log.WithComponent("cnagent").Info().Int("count", simulate).Msg("starting in simulate mode")
		}

		// timeout is the agent-wide wall-clock limit applied to every
		// dispatched task's worker process (§4.2 step 4); zero falls back
		// to runner.DefaultTimeout.
		var timeout time.Duration
		if configPath != "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// no_rabbit=false means the agent's messaging transport is
			// required but unavailable at this site; rather than come up
			// and silently answer no health checks, fail fast and loud.
			if !cfg.NoRabbit {
				log.WithComponent("cnagent").Fatal().Msg("no_rabbit is false but no message transport is configured; refusing to start")
			}
			if cfg.TaskLogDir != "" && !cmd.Flags().Changed("log-dir") {
				logDir = cfg.TaskLogDir
			}
			if cfg.TaskTimeoutSeconds > 0 {
				timeout = time.Duration(cfg.TaskTimeoutSeconds) * time.Second
			}
		}

		b, cleanup, err := selectBackend(backendName, mockDir, configPath)
		if err != nil {
			return err
		}
		if cleanup != nil {
			defer cleanup()
		}

		if ip, err := b.GetFirstAdminIP(ctx); err == nil {
			log.WithComponent("cnagent").Info().Str("admin_ip", ip).Msg("resolved admin network address")
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		q := queue.Default()
		r := runner.New(workerBin, logDir, q, broker, timeout)
		d := dispatch.New(r, q)
		server := httpapi.New(d, r)

		httpServer := httpapi.NewHTTPServer(addr, server.Handler())

		var sources []sampler.DirtySource
		if md, ok := b.(interface{ Dirty() bool }); ok {
			sources = append(sources, md)
		}

		link := controllerlink.New(controllerlink.NewHTTPClient(cfapiURL()), config.Role())

		// GetAgents reports the sibling agents actually installed alongside
		// cnagent; fall back to the single-item literal if the backend has
		// none to report (e.g. a bare host with no agent inventory file).
		inventory := []task.AgentInventoryItem{{Name: "cnagent", Version: Version}}
		if agents, err := b.GetAgents(ctx); err == nil && len(agents) > 0 {
			inventory = agents
		}
		link.Start(ctx, inventory)
		defer link.Stop()

		postSysinfo := func() {
			info, err := b.GetSysinfo(ctx)
			if err != nil {
				log.WithComponent("cnagent").Warn().Err(err).Msg("sysinfo collection failed")
				return
			}
			link.Enqueue(task.ControllerQueueItem{Kind: task.ControllerKindSysinfo, Payload: info})
		}
		// An update helper only serves tasks: no sysinfo registration and
		// no status sampling.
		if config.Role() != "update-helper" {
			postSysinfo()
			if err := b.StartWatchers(ctx, postSysinfo); err != nil {
				log.WithComponent("cnagent").Warn().Err(err).Msg("could not start sysinfo watchers")
			}
			defer b.StopWatchers()

			samp := sampler.New(b, sources, func(snap task.SampleSnapshot) {
				link.Enqueue(task.ControllerQueueItem{Kind: task.ControllerKindStatus, Payload: snap})
			})
			go samp.Run(ctx)
		}

		go func() {
			log.WithComponent("cnagent").Info().Str("addr", addr).Msg("http surface listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithComponent("cnagent").Error().Err(err).Msg("http server stopped")
			}
		}()

		<-ctx.Done()
		log.WithComponent("cnagent").Info().Msg("shutting down")
		return httpServer.Close()
	},
}

// cfapiURL resolves the controller's task-dispatch API address. An explicit
// CNAGENT_CNAPI_URL always wins (local development, tests); failing that, it
// follows the documented startup sequence and resolves cnapi via DNS-based
// service discovery against the data center's sdc config
// (<service>.<datacenter>.<dns_domain>); if neither source is available it
// falls back to a localhost default so `serve` still starts standalone.
func cfapiURL() string {
	if v := os.Getenv("CNAGENT_CNAPI_URL"); v != "" {
		return v
	}
	if sdc, err := config.ResolveSdcConfig(); err == nil {
		if addr, err := config.LookupService(sdc, "cnapi"); err == nil {
			return "http://" + addr
		}
	}
	return "http://127.0.0.1:8080"
}

func selectBackend(name, mockDir, configPath string) (backend.Backend, func(), error) {
	switch name {
	case "mock":
		b, err := mockbackend.New(mockDir)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil
	case "hypervisor":
		return hypervisorbackend.New(), nil, nil
	default:
		return linuxbackend.New(configPath), nil, nil
	}
}

func init() {
	serveCmd.Flags().String("addr", ":5309", "Address for the local HTTP task-dispatch surface")
	serveCmd.Flags().String("worker-bin", "cnagent-worker", "Path to the cnagent-worker binary")
	serveCmd.Flags().String("log-dir", "/var/log/cnagent/tasks", "Directory for per-task log files")
	serveCmd.Flags().String("backend", "linux", "Host backend: linux, mock, or hypervisor")
	serveCmd.Flags().String("mock-dir", "", "Root directory for the mock backend's simulated VM tree")
	serveCmd.Flags().Int("simulate", 0, "Number of simulated compute nodes, logged at startup; requests are not routed per node (0 disables)")
	serveCmd.Flags().String("config", "", "Path to the agent YAML config file (optional)")
}
