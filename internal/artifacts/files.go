package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pingsantohq/sdnharness/internal/parse"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

const manifestName = "phase.json"

// RawPingInterval is the spacing assumed between sequence numbers when a raw
// ping log is loaded.
const RawPingInterval = 1.0

var sanitizeRegex = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitize(v string) string {
	v = sanitizeRegex.ReplaceAllString(strings.TrimSpace(v), "-")
	v = strings.Trim(v, "-.")
	if v == "" {
		return "unnamed"
	}
	return v
}

// FileName is the per-series file name, <kind>_<source>_<dest><ext>.
func FileName(key types.SeriesKey, ext string) string {
	return fmt.Sprintf("%s_%s_%s%s", key.Kind, sanitize(key.Source), sanitize(key.Dest), ext)
}

func keyFromFileName(name string) (types.SeriesKey, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	first := strings.Index(base, "_")
	last := strings.LastIndex(base, "_")
	if first <= 0 || last <= first || last == len(base)-1 {
		return types.SeriesKey{}, false
	}
	kind := types.ProbeKind(base[:first])
	if !kind.Valid() {
		return types.SeriesKey{}, false
	}
	return types.SeriesKey{Kind: kind, Source: base[first+1 : last], Dest: base[last+1:]}, true
}

type manifest struct {
	Label         string                      `json:"label"`
	StartTime     time.Time                   `json:"start_time"`
	DurationSec   float64                     `json:"duration_s"`
	ProbesEnded   time.Time                   `json:"probes_ended"`
	CleanupDone   time.Time                   `json:"cleanup_done"`
	Perturbations []types.PerturbationOutcome `json:"perturbations,omitempty"`
	Caveats       []string                    `json:"caveats,omitempty"`
	Cancelled     bool                        `json:"cancelled,omitempty"`
	Series        []manifestEntry             `json:"series"`
}

type manifestEntry struct {
	Key     types.SeriesKey `json:"key"`
	File    string          `json:"file"`
	Samples int             `json:"samples"`
}

// Writer lays out run artifacts as <root>/<run>/<phase>/.
type Writer struct {
	root string
}

func NewWriter(root string) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Writer{root: root}, nil
}

func (w *Writer) Root() string {
	return w.root
}

func (w *Writer) RunDir(runID string) string {
	return filepath.Join(w.root, sanitize(runID))
}

func (w *Writer) PhaseDir(runID, label string) string {
	return filepath.Join(w.RunDir(runID), sanitize(label))
}

// WritePhase writes one CSV per series plus the phase manifest and returns
// the phase directory.
func (w *Writer) WritePhase(runID string, p *types.Phase) (string, error) {
	dir := w.PhaseDir(runID, p.Label)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create phase dir: %w", err)
	}
	m := manifest{
		Label:         p.Label,
		StartTime:     p.StartTime,
		DurationSec:   p.Duration.Seconds(),
		ProbesEnded:   p.ProbesEnded,
		CleanupDone:   p.CleanupDone,
		Perturbations: p.Perturbations,
		Caveats:       p.Caveats,
		Cancelled:     p.Cancelled,
	}
	for _, s := range p.Series {
		name := FileName(s.Key, ".csv")
		var buf bytes.Buffer
		if err := WriteSeriesCSV(&buf, s); err != nil {
			return "", fmt.Errorf("encode %s: %w", s.Key, err)
		}
		if err := writeFileAtomic(filepath.Join(dir, name), buf.Bytes()); err != nil {
			return "", err
		}
		m.Series = append(m.Series, manifestEntry{Key: s.Key, File: name, Samples: s.Len()})
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, manifestName), data); err != nil {
		return "", err
	}
	return dir, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadPhaseDir rebuilds a phase from a directory. The manifest is used when
// present; otherwise every <kind>_<src>_<dst>.csv file is loaded, and raw
// .txt tool logs fill in series that have no CSV. A missing directory returns
// an error satisfying errors.Is(err, fs.ErrNotExist).
func LoadPhaseDir(dir, label string) (*types.Phase, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	p := types.NewPhase(label, 0)
	seen := map[types.SeriesKey]bool{}

	if data, err := os.ReadFile(filepath.Join(dir, manifestName)); err == nil {
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
		if m.Label != "" {
			p.Label = m.Label
		}
		p.StartTime = m.StartTime
		p.Duration = time.Duration(m.DurationSec * float64(time.Second))
		p.ProbesEnded = m.ProbesEnded
		p.CleanupDone = m.CleanupDone
		p.Perturbations = m.Perturbations
		p.Caveats = m.Caveats
		p.Cancelled = m.Cancelled
		for _, e := range m.Series {
			key := e.Key
			key.Phase = p.Label
			s, skipped, err := readCSVFile(filepath.Join(dir, e.File), key)
			if err != nil {
				p.AddCaveat(fmt.Sprintf("%s unavailable: %v", key.Probe(), err))
				continue
			}
			addSkippedCaveat(p, key, skipped)
			p.Series = append(p.Series, s)
			seen[key] = true
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	// CSV files first so raw logs only fill gaps.
	sort.SliceStable(names, func(i, j int) bool {
		return filepath.Ext(names[i]) == ".csv" && filepath.Ext(names[j]) != ".csv"
	})
	for _, name := range names {
		ext := filepath.Ext(name)
		if ext != ".csv" && ext != ".txt" {
			continue
		}
		key, ok := keyFromFileName(name)
		if !ok {
			continue
		}
		key.Phase = p.Label
		if seen[key] {
			continue
		}
		path := filepath.Join(dir, name)
		var s *types.Series
		var skipped int
		if ext == ".csv" {
			s, skipped, err = readCSVFile(path, key)
		} else {
			s, skipped, err = readRawLog(path, key)
		}
		if err != nil {
			p.AddCaveat(fmt.Sprintf("%s unavailable: %v", key.Probe(), err))
			continue
		}
		addSkippedCaveat(p, key, skipped)
		p.Series = append(p.Series, s)
		seen[key] = true
	}
	return p, nil
}

func addSkippedCaveat(p *types.Phase, key types.SeriesKey, skipped int) {
	if skipped > 0 {
		p.AddCaveat(fmt.Sprintf("%s: %d rows skipped on reload", key.Probe(), skipped))
	}
}

func readCSVFile(path string, key types.SeriesKey) (*types.Series, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return ReadSeriesCSV(f, key)
}

// readRawLog converts a captured ping or iperf log into a series.
func readRawLog(path string, key types.SeriesKey) (*types.Series, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	series := types.NewSeries(key)
	skipped := 0
	if key.Kind == types.ProbeICMP {
		for _, sample := range parse.PingLog(string(data), RawPingInterval) {
			if series.AppendICMP(sample) != nil {
				skipped++
			}
		}
		return series, skipped, nil
	}
	intervals := parse.ThroughputIntervals(string(data), key.Kind)
	parse.SortIntervals(intervals)
	last := -1.0
	for _, iv := range intervals {
		// Cumulative summary lines end where the last interval did.
		if iv.End <= last {
			continue
		}
		if series.AppendThroughput(iv.Sample()) != nil {
			skipped++
			continue
		}
		last = iv.End
	}
	return series, skipped, nil
}

// LoadRun loads every phase directory under runDir ordered by start time.
func LoadRun(runDir string) ([]*types.Phase, error) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return nil, err
	}
	var phases []*types.Phase
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := LoadPhaseDir(filepath.Join(runDir, e.Name()), e.Name())
		if err != nil {
			return nil, fmt.Errorf("load phase %s: %w", e.Name(), err)
		}
		phases = append(phases, p)
	}
	sort.SliceStable(phases, func(i, j int) bool {
		return phases[i].StartTime.Before(phases[j].StartTime)
	})
	return phases, nil
}

// AppendJSONL appends v as one JSON line to path, creating it if needed.
func AppendJSONL(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadJSONL decodes every line of path with decode.
func ReadJSONL(r io.Reader, decode func([]byte) error) error {
	dec := json.NewDecoder(r)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := decode(raw); err != nil {
			return err
		}
	}
}
