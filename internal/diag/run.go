package diag

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pingsantohq/sdnharness/internal/config"
)

const (
	defaultOutputPrefix = "bundle_"
	infoFileName        = "diagnostics/info.json"
	configDirName       = "config"
	runDirName          = "run"
	toolsDirName        = "tools"
	observabilityDir    = "observability"
	phaseManifest       = "phase.json"
	redactedMarker      = "REDACTED"
)

var (
	dsnPasswordPattern = regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/@\s]+:)([^@\s]+)`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^&\s"']+)`)
	tokenPattern       = regexp.MustCompile(`(?i)(token=)([^&\s"']+)`)
	secretPattern      = regexp.MustCompile(`(?i)(secret=)([^&\s"']+)`)
)

var defaultTools = []string{"iperf -v", "ping -V", "ovs-ofctl --version"}

type multiValue []string

func (mv *multiValue) String() string {
	return strings.Join(*mv, ",")
}

func (mv *multiValue) Set(value string) error {
	if value == "" {
		return nil
	}
	*mv = append(*mv, value)
	return nil
}

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Now        func() time.Time
	HTTPClient *http.Client
	RunCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Run packs one experiment run into a tar.gz bundle: the resolved config with
// secrets redacted, every artifact of the run, a metrics scrape and the
// versions of the measurement tools on this host.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.RunCommand == nil {
		deps.RunCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		}
	}

	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := fs.String("config", config.Path(), "Path to harness configuration file")
	runDir := fs.String("run-dir", "", "Run directory to bundle")
	runID := fs.String("run", "", "Run id, resolved under the configured work_dir")
	outputPath := fs.String("output", "", "Path for the bundle (default <work_dir>/bundle_<run>.tar.gz)")
	includeMetrics := fs.Bool("include-metrics", true, "Include a metrics scrape")
	metricsURL := fs.String("metrics-url", "http://127.0.0.1:9320/metrics", "Metrics endpoint URL")
	metricsTimeout := fs.Duration("metrics-timeout", 3*time.Second, "HTTP timeout when scraping metrics")
	redact := fs.Bool("redact", true, "Redact credentials in config and text artifacts")
	var tools multiValue
	fs.Var(&tools, "tool", "Tool version command to capture, e.g. \"iperf -v\" (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	now := deps.Now().UTC()
	info := bundleInfo{
		GeneratedAt: now.Format(time.RFC3339),
		GoVersion:   runtime.Version(),
		Redacted:    *redact,
	}

	var cfg config.Config
	cfgLoaded := false
	if parsed, err := config.Load(ctx, *configPath); err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("config unavailable (%s): %v", *configPath, err))
	} else {
		cfg = parsed
		cfgLoaded = true
		info.ConfigPath = *configPath
	}

	dir := strings.TrimSpace(*runDir)
	if dir == "" && *runID != "" && cfgLoaded {
		dir = filepath.Join(cfg.Harness.WorkDir, *runID)
	}
	if dir == "" {
		return errors.New("run directory is required (provide --run-dir, or --run with a config)")
	}
	if fi, err := os.Stat(dir); err != nil {
		return fmt.Errorf("stat run dir %q: %w", dir, err)
	} else if !fi.IsDir() {
		return fmt.Errorf("run dir %q is not a directory", dir)
	}
	info.RunDir = dir
	info.RunID = filepath.Base(dir)

	outPath := *outputPath
	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(dir), fmt.Sprintf("%s%s_%s.tar.gz", defaultOutputPrefix, info.RunID, now.Format("20060102T150405Z")))
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure output directory %q: %w", filepath.Dir(outPath), err)
	}
	info.OutputPath = outPath

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create bundle %q: %w", outPath, err)
	}
	defer outFile.Close()

	gw := gzip.NewWriter(outFile)
	defer gw.Close()

	tw := tar.NewWriter(gw)
	defer tw.Close()

	if cfgLoaded {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("failed to read config %q: %v", *configPath, err))
		} else {
			if *redact {
				data = redactSensitive(data)
			}
			name := filepath.ToSlash(filepath.Join(configDirName, filepath.Base(*configPath)))
			if err := addBytes(tw, data, name, now); err != nil {
				info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include config: %v", err))
			}
		}
	}

	files, phases, err := addRunDir(tw, dir, runDirName, *redact)
	if err != nil {
		return fmt.Errorf("include run dir %q: %w", dir, err)
	}
	info.Files = files
	info.Phases = phases

	if *includeMetrics && *metricsURL != "" {
		client := deps.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: *metricsTimeout}
		}
		scrapeCtx, cancel := context.WithTimeout(ctx, *metricsTimeout)
		data, err := scrapeMetrics(scrapeCtx, client, *metricsURL)
		cancel()
		if err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("metrics scrape failed: %v", err))
		} else {
			if err := addBytes(tw, data, filepath.ToSlash(filepath.Join(observabilityDir, "metrics.prom")), now); err != nil {
				info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include metrics snapshot: %v", err))
			}
			summary, warns := summarizeMetrics(data, *metricsURL)
			info.Metrics = summary
			info.Warnings = append(info.Warnings, warns...)
		}
	}

	commands := []string(tools)
	if len(commands) == 0 {
		commands = defaultTools
	}
	for _, line := range commands {
		argv := strings.Fields(line)
		if len(argv) == 0 {
			continue
		}
		out, err := deps.RunCommand(ctx, argv[0], argv[1:]...)
		if err != nil && len(out) == 0 {
			info.Warnings = append(info.Warnings, fmt.Sprintf("%s failed: %v", line, err))
			continue
		}
		info.Tools = append(info.Tools, line)
		name := filepath.ToSlash(filepath.Join(toolsDirName, sanitizeFilename(argv[0])+".txt"))
		if err := addBytes(tw, out, name, now); err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include %s output: %v", argv[0], err))
		}
	}

	return writeInfo(tw, info, now)
}

func writeInfo(tw *tar.Writer, info bundleInfo, now time.Time) error {
	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bundle info: %w", err)
	}
	return addBytes(tw, payload, infoFileName, now)
}

func addBytes(tw *tar.Writer, data []byte, name string, modTime time.Time) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar content for %q: %w", name, err)
	}
	return nil
}

// addRunDir copies the run tree under base and reports the file count and
// the labels of directories holding a phase manifest.
func addRunDir(tw *tar.Writer, dir, base string, redact bool) (int, []string, error) {
	var files int
	var phases []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(base, rel))
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			header.Name = name + "/"
			return tw.WriteHeader(header)
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if redact && shouldRedactFile(path) {
			data = redactSensitive(data)
		}
		header := &tar.Header{
			Name:    name,
			Mode:    int64(info.Mode().Perm()),
			Size:    int64(len(data)),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
		files++
		if d.Name() == phaseManifest {
			phases = append(phases, filepath.Base(filepath.Dir(path)))
		}
		return nil
	})
	sort.Strings(phases)
	return files, phases, err
}

func shouldRedactFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".log", ".txt", ".json", ".jsonl", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func redactSensitive(data []byte) []byte {
	text := string(data)
	for _, pattern := range []*regexp.Regexp{dsnPasswordPattern, passwordPattern, tokenPattern, secretPattern} {
		text = pattern.ReplaceAllString(text, "${1}"+redactedMarker)
	}
	return []byte(text)
}

func scrapeMetrics(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// summarizeMetrics totals the probe counters across their kind labels.
func summarizeMetrics(data []byte, url string) (*metricsSummary, []string) {
	summary := &metricsSummary{URL: url}
	var warnings []string
	totals := map[string]*float64{
		"sdnharness_probe_samples_total":         &summary.Samples,
		"sdnharness_probe_tool_failures_total":   &summary.ToolFailures,
		"sdnharness_probe_parse_misses_total":    &summary.ParseMisses,
		"sdnharness_perturbation_failures_total": &summary.PerturbationFailures,
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := fields[0]
		if i := strings.IndexByte(name, '{'); i >= 0 {
			name = name[:i]
		}
		total, ok := totals[name]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("parse %s: %v", name, err))
			continue
		}
		*total += v
	}
	return summary, warnings
}

func sanitizeFilename(input string) string {
	safe := strings.ReplaceAll(input, "/", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	if safe == "" {
		return "unknown"
	}
	return safe
}

type bundleInfo struct {
	GeneratedAt string          `json:"generated_at"`
	OutputPath  string          `json:"output_path"`
	ConfigPath  string          `json:"config_path,omitempty"`
	RunDir      string          `json:"run_dir"`
	RunID       string          `json:"run_id"`
	Phases      []string        `json:"phases,omitempty"`
	Files       int             `json:"files"`
	Tools       []string        `json:"tools,omitempty"`
	Metrics     *metricsSummary `json:"metrics,omitempty"`
	Redacted    bool            `json:"redacted"`
	Warnings    []string        `json:"warnings,omitempty"`
	GoVersion   string          `json:"go_version"`
}

type metricsSummary struct {
	URL                  string  `json:"url"`
	Samples              float64 `json:"samples_total"`
	ToolFailures         float64 `json:"tool_failures_total"`
	ParseMisses          float64 `json:"parse_misses_total"`
	PerturbationFailures float64 `json:"perturbation_failures_total"`
}
