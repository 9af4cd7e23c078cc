// Package inputs validates the input mapping for a batch and merges the
// input sources into a finite ordered stream of line inputs.
package inputs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/contracts"
)

// Processor merges input sources and applies the inputs mapping.
type Processor struct {
	log *logger.Logger
}

// NewProcessor creates a batch input processor.
func NewProcessor(log *logger.Logger) *Processor {
	return &Processor{log: log}
}

// LoadAliases reads each alias as a list of JSONL records. A path may be
// a single file or a directory of *.jsonl files.
func (p *Processor) LoadAliases(inputDirs map[string]string) (map[string][]map[string]any, error) {
	aliases := make(map[string][]map[string]any, len(inputDirs))
	for alias, path := range inputDirs {
		records, err := loadRecords(path)
		if err != nil {
			return nil, errs.InputMapping("failed to load input source %q from %s: %v", alias, path, err)
		}
		aliases[alias] = records
	}
	return aliases, nil
}

func loadRecords(path string) ([]map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.jsonl"))
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
	}
	var records []map[string]any
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var record map[string]any
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				f.Close()
				return nil, fmt.Errorf("invalid JSONL in %s: %w", file, err)
			}
			records = append(records, record)
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
	}
	return records, nil
}

// Process validates the mapping, aligns the alias records and emits the
// line inputs in ascending line_number order. When the mapping is empty
// it is auto-generated from the flow's required inputs against the
// "data" alias.
func (p *Processor) Process(aliases map[string][]map[string]any, mapping map[string]string, flow *contracts.Flow) ([]map[string]any, error) {
	if len(mapping) == 0 {
		if flow == nil {
			return nil, errs.System(errs.CodeUnexpected, "an input mapping is required but none was provided")
		}
		mapping = defaultMapping(flow)
		p.log.Info("auto-generated input mapping", "mapping", mapping)
	}

	merged, err := p.mergeByLineNumber(aliases)
	if err != nil {
		return nil, err
	}

	var lines []map[string]any
	for _, row := range merged {
		line, err := applyMapping(row, mapping, aliases)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i][contracts.LineNumberKey].(int) < lines[j][contracts.LineNumberKey].(int)
	})
	return lines, nil
}

// defaultMapping binds every required flow input to the same-named column
// of the "data" alias.
func defaultMapping(flow *contracts.Flow) map[string]string {
	mapping := map[string]string{}
	for name, def := range flow.Inputs {
		if def.Default == nil {
			mapping[name] = fmt.Sprintf("${data.%s}", name)
		}
	}
	return mapping
}

// mergedRow is one aligned record across all aliases.
type mergedRow struct {
	lineNumber int
	values     map[string]map[string]any // alias -> record
}

// mergeByLineNumber aligns alias records. If every record in every alias
// carries line_number the merge is an inner join on that key; otherwise
// all aliases must have equal lengths and alignment is positional.
func (p *Processor) mergeByLineNumber(aliases map[string][]map[string]any) ([]mergedRow, error) {
	if len(aliases) == 0 {
		return nil, errs.InputMapping("no input sources were provided")
	}
	names := make([]string, 0, len(aliases))
	for alias, records := range aliases {
		if len(records) == 0 {
			return nil, errs.InputMapping("input source %q is an empty list", alias)
		}
		names = append(names, alias)
	}
	sort.Strings(names)

	if allKeyed(aliases) {
		return joinKeyed(aliases, names), nil
	}

	length := len(aliases[names[0]])
	for _, alias := range names {
		if len(aliases[alias]) != length {
			var lengths []string
			for _, a := range names {
				lengths = append(lengths, fmt.Sprintf("%s: %d", a, len(aliases[a])))
			}
			return nil, errs.InputMapping(
				"input sources have different lengths and no line_number to align on: %s",
				strings.Join(lengths, ", "))
		}
	}
	rows := make([]mergedRow, length)
	for i := 0; i < length; i++ {
		rows[i] = mergedRow{lineNumber: i, values: map[string]map[string]any{}}
		for _, alias := range names {
			rows[i].values[alias] = aliases[alias][i]
		}
	}
	return rows, nil
}

// allKeyed reports whether every record of every alias has line_number.
// An alias participates in keyed merge all-or-nothing.
func allKeyed(aliases map[string][]map[string]any) bool {
	for _, records := range aliases {
		for _, record := range records {
			if _, ok := lineNumberOf(record); !ok {
				return false
			}
		}
	}
	return true
}

func joinKeyed(aliases map[string][]map[string]any, names []string) []mergedRow {
	byLine := map[int]map[string]map[string]any{}
	for alias, records := range aliases {
		for _, record := range records {
			n, _ := lineNumberOf(record)
			if byLine[n] == nil {
				byLine[n] = map[string]map[string]any{}
			}
			byLine[n][alias] = record
		}
	}
	var rows []mergedRow
	for n, values := range byLine {
		if len(values) != len(names) {
			continue // inner join: drop lines missing from any alias
		}
		rows = append(rows, mergedRow{lineNumber: n, values: values})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].lineNumber < rows[j].lineNumber })
	return rows
}

func lineNumberOf(record map[string]any) (int, bool) {
	v, ok := record[contracts.LineNumberKey]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

var expressionPattern = regexp.MustCompile(`^\$\{(.+)\}$`)

// applyMapping substitutes mapping expressions for one aligned row.
func applyMapping(row mergedRow, mapping map[string]string, aliases map[string][]map[string]any) (map[string]any, error) {
	line := map[string]any{contracts.LineNumberKey: row.lineNumber}
	var unresolved []string
	for name, raw := range mapping {
		if name == contracts.LineNumberKey {
			continue // reserved, ignored silently
		}
		m := expressionPattern.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			line[name] = parseLiteral(raw)
			continue
		}
		alias, column, ok := splitExpression(m[1], aliases)
		if !ok {
			unresolved = append(unresolved, raw)
			continue
		}
		record, ok := row.values[alias]
		if !ok {
			unresolved = append(unresolved, raw)
			continue
		}
		value, ok := record[column]
		if !ok {
			unresolved = append(unresolved, raw)
			continue
		}
		line[name] = value
	}
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return nil, errs.InputMapping("unable to resolve mapping expressions: %s", strings.Join(unresolved, ", "))
	}
	return line, nil
}

// splitExpression separates "<alias>.<column>" using the longest loaded
// alias as prefix, so dotted aliases like "run.outputs" work.
func splitExpression(expr string, aliases map[string][]map[string]any) (alias, column string, ok bool) {
	best := ""
	for a := range aliases {
		if strings.HasPrefix(expr, a+".") && len(a) > len(best) {
			best = a
		}
	}
	if best == "" {
		return "", "", false
	}
	return best, strings.TrimPrefix(expr, best+"."), true
}

// parseLiteral interprets a non-expression mapping value: JSON literals
// become typed values, everything else stays a string.
func parseLiteral(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
