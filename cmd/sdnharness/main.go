package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/sdnharness/internal/artifacts"
	"github.com/pingsantohq/sdnharness/internal/config"
	"github.com/pingsantohq/sdnharness/internal/diag"
	"github.com/pingsantohq/sdnharness/internal/events"
	"github.com/pingsantohq/sdnharness/internal/flowtable"
	"github.com/pingsantohq/sdnharness/internal/health"
	"github.com/pingsantohq/sdnharness/internal/logging"
	"github.com/pingsantohq/sdnharness/internal/metrics"
	"github.com/pingsantohq/sdnharness/internal/node"
	"github.com/pingsantohq/sdnharness/internal/perturb"
	"github.com/pingsantohq/sdnharness/internal/probe"
	"github.com/pingsantohq/sdnharness/internal/scenario"
	"github.com/pingsantohq/sdnharness/internal/server"
	"github.com/pingsantohq/sdnharness/internal/stats"
	"github.com/pingsantohq/sdnharness/internal/store"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

const (
	eventsFileName  = "events.jsonl"
	reportFileName  = "report.json"
	configFileName  = "config.yaml"
	shutdownTimeout = 3 * time.Second
	saveTimeout     = 10 * time.Second
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:])
	case "report":
		err = report(os.Stdout, os.Args[2:])
	case "flows":
		err = flows(ctx, os.Args[2:])
	case "serve":
		err = serve(ctx, os.Args[2:])
	case "diag":
		err = diag.Run(ctx, os.Args[2:], diag.Dependencies{})
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("SDN experiment harness")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sdnharness run [--config path] [--metrics-addr addr]")
	fmt.Println("  sdnharness report --baseline dir --compare dir[,dir...] [--json | --aligned]")
	fmt.Println("  sdnharness report --run-dir dir [--baseline-label baseline] [--json | --aligned]")
	fmt.Println("  sdnharness flows [--config path] [--switch s1] [--watch 30s --interval 5s] [--stress N --src h1 --dst h2]")
	fmt.Println("  sdnharness serve [--config path] [--addr :8080]")
	fmt.Println("  sdnharness diag [--config path] [--run id | --run-dir dir] [--output file] [--tool \"iperf -v\"]")
}

const configUsage = "Path to harness configuration file (default $SDNHARNESS_CONFIG or " + config.DefaultConfigPath + ")"

// loadConfig reads path, or the environment-selected file when path is empty.
func loadConfig(ctx context.Context, path string) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadFromEnv(ctx)
	} else {
		cfg, err = config.Load(ctx, path)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", configUsage)
	metricsAddr := fs.String("metrics-addr", "", "Metrics listener address (overrides harness.metrics_addr)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, *configPath)
	if err != nil {
		return err
	}
	if *metricsAddr != "" {
		cfg.Harness.MetricsAddr = *metricsAddr
	}

	writer, err := artifacts.NewWriter(cfg.Harness.WorkDir)
	if err != nil {
		return fmt.Errorf("init artifacts: %w", err)
	}
	runID := uuid.NewString()
	runDir := writer.RunDir(runID)

	logger, closeLog, err := logging.NewRunLogger(runDir)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := config.Write(filepath.Join(runDir, configFileName), cfg); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}

	network, closeNetwork, err := buildNetwork(cfg)
	if err != nil {
		return err
	}
	defer closeNetwork()

	perturber, err := perturb.NewCommandPerturber(network, cfg.Perturb)
	if err != nil {
		return fmt.Errorf("init perturber: %w", err)
	}

	runStore, closeStore, err := openStore(ctx, cfg.Harness.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	metricsStore := metrics.NewStore()
	checker := health.NewChecker(cfg.Harness.CleanupTimeout + cfg.Scenario.Settle)
	tools := probeTools(cfg.Tools)
	deps := scenario.Dependencies{
		Network:   network,
		Perturber: perturber,
		Traffic:   perturb.NewTraffic(network, tools.Iperf, logger),
		Logger:    logger,
		Events: events.NewMulti(
			events.LogRecorder{Logger: logger},
			jsonlRecorder{path: filepath.Join(runDir, eventsFileName), logger: logger},
			checker,
		),
		ProbeMetrics: metricsStore.ProbeRecorder(),
		PhaseMetrics: metricsStore.PhaseRecorder(),
		Artifacts:    writer,
		NewRunID:     func() string { return runID },
	}
	opts := []scenario.Option{
		scenario.WithTools(tools),
		scenario.WithCleanupTimeout(cfg.Harness.CleanupTimeout),
		scenario.WithWorkerCount(cfg.Harness.MaxConcurrentDrivers),
	}
	orch, err := scenario.New(cfg.Scenario, deps, opts...)
	if err != nil {
		return err
	}

	logger.Printf("run %s starting (scenario=%s, phases=%s, work_dir=%s)", runID, cfg.Scenario.Name, strings.Join(orch.Labels(), ","), cfg.Harness.WorkDir)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grp, groupCtx := errgroup.WithContext(runCtx)
	monitorCtx, stopMonitor := context.WithCancel(groupCtx)
	defer stopMonitor()

	grp.Go(func() error {
		return serveMonitoring(monitorCtx, cfg.Harness.MetricsAddr, metricsStore, checker, logger)
	})

	var res *scenario.Result
	grp.Go(func() error {
		defer stopMonitor()
		var runErr error
		res, runErr = orch.Run(groupCtx)
		return runErr
	})

	runErr := grp.Wait()
	if res == nil {
		return runErr
	}

	if err := res.Report.WriteText(os.Stdout); err != nil {
		logger.Printf("print report failed: %v", err)
	}
	if err := writeJSON(filepath.Join(runDir, reportFileName), res.Report); err != nil {
		logger.Printf("persist report failed: %v", err)
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := runStore.SaveRun(saveCtx, res.Record()); err != nil {
		logger.Printf("save run %s failed: %v", runID, err)
	}

	logger.Printf("run %s finished state=%s artifacts=%s", runID, res.State, runDir)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// report compares persisted phases offline. Compare directories that do not
// exist are kept as empty phases so their comparisons show as unavailable.
func report(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	baselineDir := fs.String("baseline", "", "Directory of the baseline phase")
	compareDirs := fs.String("compare", "", "Comma separated phase directories to compare")
	runDir := fs.String("run-dir", "", "Run directory holding every phase")
	baselineLabel := fs.String("baseline-label", "baseline", "Baseline label when --run-dir is used")
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	aligned := fs.Bool("aligned", false, "Also print each phase's samples aligned on elapsed time")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		phases   []*types.Phase
		baseline string
	)
	switch {
	case *runDir != "":
		loaded, err := artifacts.LoadRun(*runDir)
		if err != nil {
			return fmt.Errorf("load run %q: %w", *runDir, err)
		}
		phases = loaded
		baseline = *baselineLabel
	case *baselineDir != "":
		base, err := artifacts.LoadPhaseDir(*baselineDir, filepath.Base(*baselineDir))
		if err != nil {
			return fmt.Errorf("load baseline %q: %w", *baselineDir, err)
		}
		phases = append(phases, base)
		baseline = base.Label
		for _, dir := range splitList(*compareDirs) {
			label := filepath.Base(dir)
			p, err := artifacts.LoadPhaseDir(dir, label)
			if errors.Is(err, os.ErrNotExist) {
				p = types.NewPhase(label, 0)
				p.AddCaveat(fmt.Sprintf("phase directory %s missing", dir))
			} else if err != nil {
				return fmt.Errorf("load phase %q: %w", dir, err)
			}
			phases = append(phases, p)
		}
	default:
		return errors.New("--baseline or --run-dir is required")
	}

	rep, err := stats.BuildReport(phases, baseline)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(w, rep)
	}
	if err := rep.WriteText(w); err != nil {
		return err
	}
	if !*aligned {
		return nil
	}
	for _, p := range phases {
		fmt.Fprintln(w)
		if err := stats.WriteAligned(w, p); err != nil {
			return err
		}
	}
	return nil
}

func flows(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("flows", flag.ContinueOnError)
	configPath := fs.String("config", "", configUsage)
	switchName := fs.String("switch", "", "Switch to inspect (default flows.switch)")
	nodeName := fs.String("node", "", "Node the inspection commands run on (default flows.node or the switch)")
	watch := fs.Duration("watch", 0, "Observation window (default flows.window)")
	interval := fs.Duration("interval", 0, "Capture interval (default flows.interval)")
	stress := fs.Int("stress", 0, "Emit N distinct UDP flows and report table growth")
	src := fs.String("src", "", "Stress sender (default flows.stress_src)")
	dst := fs.String("dst", "", "Stress receiver (default flows.stress_dst)")
	output := fs.String("output", "", "JSONL file receiving every snapshot")
	metricsAddr := fs.String("metrics-addr", "", "Serve flow gauges on this address while inspecting")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, *configPath)
	if err != nil {
		return err
	}
	fc := cfg.Flows
	if *switchName != "" {
		fc.Switch = *switchName
	}
	if *nodeName != "" {
		fc.Node = *nodeName
	}
	if *watch > 0 {
		fc.Window = *watch
	}
	if *interval > 0 {
		fc.Interval = *interval
	}
	if *stress > 0 {
		fc.StressFlows = *stress
	}
	if *src != "" {
		fc.StressSrc = *src
	}
	if *dst != "" {
		fc.StressDst = *dst
	}
	if fc.Switch == "" {
		return errors.New("switch is required (--switch or flows.switch)")
	}
	if fc.Node == "" {
		fc.Node = fc.Switch
	}

	logger := logging.New()
	network, closeNetwork, err := buildNetwork(cfg)
	if err != nil {
		return err
	}
	defer closeNetwork()

	n, err := network.Node(fc.Node)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsStore := metrics.NewStore()
	inspector := flowtable.NewInspector(n, fc.Switch, cfg.Tools.OvsOfctl, cfg.Tools.OpenFlowVersion, flowtable.Dependencies{
		Logger:  logger,
		Metrics: metricsStore.FlowRecorder(),
	})

	grp, groupCtx := errgroup.WithContext(runCtx)
	monitorCtx, stopMonitor := context.WithCancel(groupCtx)
	defer stopMonitor()
	if *metricsAddr != "" {
		grp.Go(func() error {
			return serveMonitoring(monitorCtx, *metricsAddr, metricsStore, nil, logger)
		})
	}

	snapshotPath := *output
	if snapshotPath == "" {
		snapshotPath = filepath.Join(cfg.Harness.WorkDir, fmt.Sprintf("flows_%s_%s.jsonl", fc.Switch, time.Now().UTC().Format("20060102T150405Z")))
	}
	sink := func(s flowtable.Snapshot) {
		if err := artifacts.AppendJSONL(snapshotPath, s); err != nil {
			logger.Printf("persist snapshot failed: %v", err)
		}
		logger.Printf("switch=%s elapsed=%.1fs entries=%d active=%d", s.Switch, s.Elapsed, s.Entries, s.ActiveFlows)
	}

	grp.Go(func() error {
		defer stopMonitor()
		if fc.StressFlows > 0 {
			return runStress(groupCtx, network, inspector, fc, sink)
		}
		snaps, err := inspector.Watch(groupCtx, fc.Interval, fc.Window, sink)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return printJSON(os.Stdout, flowtable.DecayCurve(snaps))
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Printf("flow snapshots written to %s", snapshotPath)
	return nil
}

func runStress(ctx context.Context, network node.Network, inspector *flowtable.Inspector, fc config.FlowsConfig, sink func(flowtable.Snapshot)) error {
	if fc.StressSrc == "" || fc.StressDst == "" {
		return errors.New("stress requires --src and --dst (or flows.stress_src/stress_dst)")
	}
	srcNode, err := network.Node(fc.StressSrc)
	if err != nil {
		return err
	}
	dstNode, err := network.Node(fc.StressDst)
	if err != nil {
		return err
	}
	res, err := inspector.Stress(ctx, flowtable.StressConfig{
		Src:      srcNode,
		Dst:      dstNode,
		DstAddr:  dstNode.Addr(),
		Flows:    fc.StressFlows,
		BasePort: fc.StressPort,
		Rate:     fc.StressRate,
	})
	if err != nil {
		return err
	}
	sink(res.Before)
	sink(res.After)
	return printJSON(os.Stdout, res)
}

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", configUsage)
	addr := fs.String("addr", "", "Listen address (overrides harness.api_addr)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, *configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Harness.APIAddr = *addr
	}

	logger := logging.New()
	runStore, closeStore, err := openStore(ctx, cfg.Harness.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	metricsStore := metrics.NewStore()
	srv := server.New(server.Config{
		Addr:         cfg.Harness.APIAddr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, server.Dependencies{
		Logger:  logger,
		Store:   runStore,
		Metrics: metrics.NewHTTPHandler(metricsStore),
	})

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Printf("results API listening on %s", srv.Addr)
	return serveHTTP(runCtx, srv.Server)
}

func serveMonitoring(ctx context.Context, addr string, store *metrics.Store, checker *health.Checker, logger *log.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.NewHTTPHandler(store))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := checker.Ready(time.Now().UTC())
		if !ready {
			http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	logger.Printf("metrics listening on http://%s", addr)
	return serveHTTP(ctx, &http.Server{Addr: addr, Handler: mux})
}

// serveHTTP runs srv until ctx is done and then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func nodeSpecs(nodes []config.NodeConfig) []node.Spec {
	specs := make([]node.Spec, 0, len(nodes))
	for _, n := range nodes {
		specs = append(specs, node.Spec{
			Name:      n.Name,
			Addr:      n.Addr,
			PID:       n.PID,
			Namespace: n.Namespace,
			Host:      n.Host,
		})
	}
	return specs
}

// buildNetwork returns the node executor for the configured mode and a
// closer for any connections it holds.
func buildNetwork(cfg config.Config) (node.Network, func() error, error) {
	specs := nodeSpecs(cfg.Network.Nodes)
	switch cfg.Network.Mode {
	case "ssh":
		n, err := node.NewSSHNetwork(node.SSHConfig{
			User:           cfg.Network.SSH.User,
			KeyPath:        cfg.Network.SSH.KeyPath,
			KnownHostsPath: cfg.Network.SSH.KnownHostsPath,
			Port:           cfg.Network.SSH.Port,
			DialTimeout:    cfg.Network.SSH.DialTimeout,
		}, specs, cfg.Network.Prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("init ssh network: %w", err)
		}
		return n, n.Close, nil
	default:
		n, err := node.NewShellNetwork(specs, cfg.Network.Prefix, node.WithShell(cfg.Network.Shell))
		if err != nil {
			return nil, nil, fmt.Errorf("init shell network: %w", err)
		}
		return n, func() error { return nil }, nil
	}
}

func probeTools(t config.ToolsConfig) probe.Tools {
	return probe.Tools{
		Ping:           t.Ping,
		Iperf:          t.Iperf,
		TailLines:      t.TailLines,
		ListenerSettle: t.ListenerSettle,
		ExecTimeout:    t.ExecTimeout,
		StopTimeout:    t.StopTimeout,
		UDPBandwidth:   t.UDPBandwidth,
	}
}

// openStore connects to Postgres when a DSN is configured and falls back to
// an in-memory store otherwise.
func openStore(ctx context.Context, dsn string, logger *log.Logger) (store.Store, func() error, error) {
	if dsn == "" {
		logger.Printf("no database configured, run records kept in memory")
		return store.NewMemoryStore(), func() error { return nil }, nil
	}
	pg, err := store.NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return pg, pg.Close, nil
}

// jsonlRecorder appends every event to the run's event log.
type jsonlRecorder struct {
	path   string
	logger *log.Logger
}

func (r jsonlRecorder) Record(event types.Event) {
	if err := artifacts.AppendJSONL(r.path, event); err != nil && r.logger != nil {
		r.logger.Printf("append event failed: %v", err)
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
