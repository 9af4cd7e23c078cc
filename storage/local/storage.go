// Package local persists run artifacts to the run folder on disk. The
// folder is the source of truth for run details, outputs, metrics and
// exceptions; concurrent line workers append to shared block files under
// file locks.
package local

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/contracts"
)

// lineNumberWidth pads line numbers in artifact file names so block files
// sort lexicographically.
const lineNumberWidth = 9

// FailedOutputPlaceholder fills output columns of failed lines when
// loading aligned inputs and outputs.
const FailedOutputPlaceholder = "(Failed)"

const (
	metaFileName      = "meta.json"
	inputsFileName    = "inputs.jsonl"
	outputsFileName   = "outputs.jsonl"
	metricsFileName   = "metrics.json"
	exceptionFileName = "exception.json"
	logFileName       = "log"
	snapshotDirName   = "snapshot"
	toolsMetaDirName  = ".promptflow"
	toolsMetaFileName = "flow.tools.json"
	flowArtifactsDir  = "flow_artifacts"
	nodeArtifactsDir  = "node_artifacts"
)

// NodeRunRecord is the persisted form of one node run.
type NodeRunRecord struct {
	NodeName   string             `json:"NodeName"`
	LineNumber int                `json:"line_number"`
	RunInfo    *contracts.RunInfo `json:"run_info"`
	StartTime  string             `json:"start_time"`
	EndTime    string             `json:"end_time"`
	Status     contracts.Status   `json:"status"`
}

// LineRunRecord is the persisted form of one line run.
type LineRunRecord struct {
	LineNumber int                    `json:"line_number"`
	RunInfo    *contracts.FlowRunInfo `json:"run_info"`
	StartTime  string                 `json:"start_time"`
	EndTime    string                 `json:"end_time"`
	Name       string                 `json:"name"`
	Status     contracts.Status       `json:"status"`
	Tags       map[string]string      `json:"tags,omitempty"`
}

// Detail is the loaded run detail: all line and node records of a run.
type Detail struct {
	FlowRuns []*contracts.FlowRunInfo `json:"flow_runs"`
	NodeRuns []*contracts.RunInfo     `json:"node_runs"`
}

// Storage writes run artifacts under a single run folder. It satisfies
// the run tracker's persistence interface, so node and line records land
// on disk as they complete.
type Storage struct {
	dir       string
	batchSize int
	log       *logger.Logger
}

// New opens (and creates if needed) the run folder and records the block
// size in meta.json. The block size is fixed for the lifetime of the
// folder; reopening an existing folder keeps the recorded value.
func New(dir string, batchSize int, log *logger.Logger) (*Storage, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	for _, sub := range []string{"", flowArtifactsDir, nodeArtifactsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create run folder: %w", err)
		}
	}
	s := &Storage{dir: dir, batchSize: batchSize, log: log}
	metaPath := filepath.Join(dir, metaFileName)
	if data, err := os.ReadFile(metaPath); err == nil {
		var meta struct {
			BatchSize int `json:"batch_size"`
		}
		if err := json.Unmarshal(data, &meta); err == nil && meta.BatchSize >= 1 {
			s.batchSize = meta.BatchSize
			return s, nil
		}
	}
	if err := s.DumpMeta(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the run folder path.
func (s *Storage) Dir() string { return s.dir }

// LogPath returns the path batch logs are written to.
func (s *Storage) LogPath() string { return filepath.Join(s.dir, logFileName) }

// DumpMeta writes meta.json so readers can locate block files without
// knowing the writer's configuration.
func (s *Storage) DumpMeta() error {
	return writeJSON(filepath.Join(s.dir, metaFileName), map[string]any{
		"batch_size": s.batchSize,
	})
}

// DumpSnapshot copies the flow folder into snapshot/ so the run stays
// reproducible after the flow changes. Additional includes are sibling
// paths resolved against the flow folder; each lands in the snapshot
// under its base name.
func (s *Storage) DumpSnapshot(flowDir string, includes ...string) error {
	dst := filepath.Join(s.dir, snapshotDirName)
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := copyTree(flowDir, dst); err != nil {
		return err
	}
	for _, include := range includes {
		src := include
		if !filepath.IsAbs(src) {
			src = filepath.Join(flowDir, include)
		}
		info, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("additional include %q: %w", include, err)
		}
		target := filepath.Join(dst, filepath.Base(src))
		if info.IsDir() {
			if err := copyTree(src, target); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(src, target); err != nil {
			return err
		}
	}
	return nil
}

// DumpFlowDefinition overwrites the snapshot's flow definition with the
// serialized form of the flow as executed and records the tool manifest
// under the snapshot's .promptflow directory. Called after DumpSnapshot,
// so the on-disk definition shows the resolved variant rather than the
// authored default.
func (s *Storage) DumpFlowDefinition(dag []byte, tools map[string]any) error {
	snap := filepath.Join(s.dir, snapshotDirName)
	if err := os.WriteFile(filepath.Join(snap, contracts.DAGFileName), dag, 0o644); err != nil {
		return err
	}
	metaDir := filepath.Join(snap, toolsMetaDirName)
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(metaDir, toolsMetaFileName), map[string]any{"code": tools})
}

// PersistFlowRun appends a line record to its flow_artifacts block file.
// Records without an index (single-line tests) are skipped.
func (s *Storage) PersistFlowRun(info *contracts.FlowRunInfo) error {
	if info == nil || info.Index == nil {
		return nil
	}
	line := *info.Index
	lo := line / s.batchSize * s.batchSize
	hi := lo + s.batchSize - 1
	path := filepath.Join(s.dir, flowArtifactsDir,
		fmt.Sprintf("%0*d_%0*d.jsonl", lineNumberWidth, lo, lineNumberWidth, hi))
	record := LineRunRecord{
		LineNumber: line,
		RunInfo:    sanitizeFlowRun(info),
		StartTime:  info.StartTime.Format("2006-01-02T15:04:05.999999Z07:00"),
		EndTime:    info.EndTime.Format("2006-01-02T15:04:05.999999Z07:00"),
		Name:       info.RunID,
		Status:     info.Status,
	}
	return appendLocked(path, record)
}

// PersistNodeRun writes a node record under node_artifacts/<node>/.
// Per-line records land in per-line files owned by a single worker;
// aggregation records share the 000000000 file across nodes of the
// reduce pass, so those appends take the lock.
func (s *Storage) PersistNodeRun(info *contracts.RunInfo) error {
	if info == nil {
		return nil
	}
	nodeDir := filepath.Join(s.dir, nodeArtifactsDir, info.Node)
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		return err
	}
	line := 0
	if info.Index != nil {
		line = *info.Index
	}
	record := NodeRunRecord{
		NodeName:   info.Node,
		LineNumber: line,
		RunInfo:    sanitizeNodeRun(info),
		StartTime:  info.StartTime.Format("2006-01-02T15:04:05.999999Z07:00"),
		EndTime:    info.EndTime.Format("2006-01-02T15:04:05.999999Z07:00"),
		Status:     info.Status,
	}
	path := filepath.Join(nodeDir, fmt.Sprintf("%0*d.jsonl", lineNumberWidth, line))
	if info.Index == nil {
		// Aggregation record: replace rather than append, reruns of the
		// reduce pass must not accumulate.
		return writeLockedJSONL(path, record)
	}
	return writeJSONL(path, record)
}

// DumpInputs writes the aligned batch inputs, one record per line.
func (s *Storage) DumpInputs(lines []map[string]any) error {
	return writeJSONLines(filepath.Join(s.dir, inputsFileName), lines)
}

// DumpOutputs writes the per-line outputs of succeeded lines with their
// line numbers.
func (s *Storage) DumpOutputs(outputs []map[string]any) error {
	return writeJSONLines(filepath.Join(s.dir, outputsFileName), outputs)
}

// DumpMetrics writes the aggregation metrics.
func (s *Storage) DumpMetrics(metrics map[string]any) error {
	if len(metrics) == 0 {
		return nil
	}
	return writeJSON(filepath.Join(s.dir, metricsFileName), metrics)
}

// DumpException writes the run's error in its serialized structured form.
// A nil error clears a previously written exception.
func (s *Storage) DumpException(errDict map[string]any) error {
	path := filepath.Join(s.dir, exceptionFileName)
	if errDict == nil {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return writeJSON(path, errDict)
}

// LoadDetail reads every line and node record back from the run folder.
func (s *Storage) LoadDetail() (*Detail, error) {
	detail := &Detail{}

	flowFiles, err := filepath.Glob(filepath.Join(s.dir, flowArtifactsDir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(flowFiles)
	for _, file := range flowFiles {
		var records []LineRunRecord
		if err := readJSONLines(file, &records); err != nil {
			return nil, err
		}
		for _, r := range records {
			detail.FlowRuns = append(detail.FlowRuns, r.RunInfo)
		}
	}
	sort.Slice(detail.FlowRuns, func(i, j int) bool {
		return indexOf(detail.FlowRuns[i].Index) < indexOf(detail.FlowRuns[j].Index)
	})

	nodeDirs, err := os.ReadDir(filepath.Join(s.dir, nodeArtifactsDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, nd := range nodeDirs {
		if !nd.IsDir() {
			continue
		}
		files, err := filepath.Glob(filepath.Join(s.dir, nodeArtifactsDir, nd.Name(), "*.jsonl"))
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
		for _, file := range files {
			var records []NodeRunRecord
			if err := readJSONLines(file, &records); err != nil {
				return nil, err
			}
			for _, r := range records {
				detail.NodeRuns = append(detail.NodeRuns, r.RunInfo)
			}
		}
	}
	return detail, nil
}

// LoadInputsAndOutputs returns the batch inputs aligned with outputs.
// Lines without a persisted output get the failed placeholder in every
// output column so the two tables stay the same length.
func (s *Storage) LoadInputsAndOutputs() (inputs, outputs []map[string]any, err error) {
	if err := readJSONLines(filepath.Join(s.dir, inputsFileName), &inputs); err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}
	var written []map[string]any
	if err := readJSONLines(filepath.Join(s.dir, outputsFileName), &written); err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}

	byLine := make(map[int]map[string]any, len(written))
	columns := map[string]bool{}
	for _, o := range written {
		if n, ok := jsonLineNumber(o); ok {
			byLine[n] = o
		}
		for k := range o {
			if k != contracts.LineNumberKey {
				columns[k] = true
			}
		}
	}
	for i, in := range inputs {
		n, ok := jsonLineNumber(in)
		if !ok {
			n = i
		}
		if o, ok := byLine[n]; ok {
			outputs = append(outputs, o)
			continue
		}
		padded := map[string]any{contracts.LineNumberKey: n}
		for col := range columns {
			padded[col] = FailedOutputPlaceholder
		}
		outputs = append(outputs, padded)
	}
	return inputs, outputs, nil
}

// LoadMetrics reads the aggregation metrics, returning nil when none were
// written.
func (s *Storage) LoadMetrics() (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, metricsFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var metrics map[string]any
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

// LoadException reads the run's serialized error, returning nil when the
// run succeeded.
func (s *Storage) LoadException() (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, exceptionFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var errDict map[string]any
	if err := json.Unmarshal(data, &errDict); err != nil {
		return nil, err
	}
	return errDict, nil
}

// sanitizeNodeRun externalizes values JSON cannot represent so records
// always serialize. Raw bytes become base64 reference objects.
func sanitizeNodeRun(info *contracts.RunInfo) *contracts.RunInfo {
	clean := *info
	clean.Inputs = sanitizeMap(info.Inputs)
	clean.Output = sanitizeValue(info.Output)
	return &clean
}

func sanitizeFlowRun(info *contracts.FlowRunInfo) *contracts.FlowRunInfo {
	clean := *info
	clean.Inputs = sanitizeMap(info.Inputs)
	clean.Output = sanitizeMap(info.Output)
	return &clean
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return map[string]any{"data:application/octet-stream;base64": base64.StdEncoding.EncodeToString(val)}
	case map[string]any:
		return sanitizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = sanitizeValue(e)
		}
		return out
	case contracts.Stream:
		return nil // streams are collected before persistence; drop leftovers
	default:
		return v
	}
}

func indexOf(i *int) int {
	if i == nil {
		return -1
	}
	return *i
}

func jsonLineNumber(record map[string]any) (int, bool) {
	switch n := record[contracts.LineNumberKey].(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// appendLocked appends one JSONL record under an advisory file lock so
// concurrent line workers sharing a block file never interleave writes.
func appendLocked(path string, record any) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()
	return writeJSONL(path, record)
}

// writeLockedJSONL truncates and writes one record under the lock.
func writeLockedJSONL(path string, record any) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func writeJSONL(path string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func writeJSONLines[T any](path string, records []T) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readJSONLines[T any](path string, out *[]T) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record T
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return fmt.Errorf("invalid record in %s: %w", path, err)
		}
		*out = append(*out, record)
	}
	return scanner.Err()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
