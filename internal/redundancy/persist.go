package redundancy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/szibis/dime-governor/internal/logging"
)

var (
	logSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dime_redundancy_log_saves_total",
			Help: "Per-module log files written at shutdown, by status",
		},
		[]string{"status"},
	)

	logLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dime_redundancy_log_loads_total",
			Help: "Per-module log files read at module load, by status",
		},
		[]string{"status"},
	)

	logLinesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dime_redundancy_log_lines_skipped_total",
			Help: "Malformed lines ignored while reading persisted logs",
		},
	)
)

// SimplifyModuleName returns the final path component of a module path,
// accepting both '/' and '\' separators.
func SimplifyModuleName(module string) string {
	if i := strings.LastIndexAny(module, `/\`); i >= 0 {
		module = module[i+1:]
	}
	if module == "" {
		return "unnamed"
	}
	return module
}

// FileName returns the persisted log file name for a thread and module.
// Modules sharing a base name in different directories share a file; Save
// merges their entries.
func FileName(ordinal int, module string) string {
	return fmt.Sprintf("%d_%s.log", ordinal, SimplifyModuleName(module))
}

// WriteEntries writes one "<addr> <size>" decimal line per entry, ordered by
// address.
func WriteEntries(w io.Writer, entries map[uint64]uint64) error {
	addrs := make([]uint64, 0, len(entries))
	for a := range entries {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	bw := bufio.NewWriter(w)
	for _, a := range addrs {
		if _, err := fmt.Fprintf(bw, "%d %d\n", a, entries[a]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadEntries parses the format written by WriteEntries. Blank and malformed
// lines are skipped; the number skipped is returned.
func ReadEntries(r io.Reader) (map[uint64]uint64, int, error) {
	entries := make(map[uint64]uint64)
	skipped := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			skipped++
			continue
		}
		addr, err1 := strconv.ParseUint(fields[0], 10, 64)
		size, err2 := strconv.ParseUint(fields[1], 10, 64)
		if err1 != nil || err2 != nil {
			skipped++
			continue
		}
		entries[addr] = size
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, err
	}
	return entries, skipped, nil
}

// Load reads the persisted log of (ordinal, module) from dir. A missing file
// returns an error matching os.ErrNotExist.
func Load(dir string, ordinal int, module string) (map[uint64]uint64, error) {
	f, err := os.Open(filepath.Join(dir, FileName(ordinal, module)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logLoadsTotal.WithLabelValues("missing").Inc()
		} else {
			logLoadsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	defer f.Close()

	entries, skipped, err := ReadEntries(f)
	if skipped > 0 {
		logLinesSkipped.Add(float64(skipped))
	}
	if err != nil {
		logLoadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read %s: %w", f.Name(), err)
	}
	logLoadsTotal.WithLabelValues("success").Inc()
	return entries, nil
}

// Save writes every non-empty module log of t into dir and returns the
// number of files written. It stops at the first failure.
//
// Modules whose paths end in the same name map to one file. Their entries
// are merged into it, so a later run seeds each of them with the union.
func Save(dir string, ordinal int, t *ThreadLog) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create log directory: %w", err)
	}

	var files []string
	merged := make(map[string]map[uint64]uint64)
	owners := make(map[string][]string)
	for _, name := range t.Modules() {
		l := t.modules[name]
		if len(l.entries) == 0 {
			continue
		}
		file := FileName(ordinal, name)
		entries, ok := merged[file]
		if !ok {
			files = append(files, file)
			entries = make(map[uint64]uint64, len(l.entries))
			merged[file] = entries
		}
		for a, sz := range l.entries {
			entries[a] = sz
		}
		owners[file] = append(owners[file], name)
	}

	written := 0
	for _, file := range files {
		if mods := owners[file]; len(mods) > 1 {
			logging.Warn("modules share a persisted log file, merging entries", logging.F(
				"thread", ordinal,
				"file", file,
				"modules", strings.Join(mods, ","),
			))
		}
		if err := writeFileAtomic(filepath.Join(dir, file), merged[file]); err != nil {
			logSavesTotal.WithLabelValues("error").Inc()
			return written, fmt.Errorf("save %s of thread %d: %w", file, ordinal, err)
		}
		logSavesTotal.WithLabelValues("success").Inc()
		written++
	}
	return written, nil
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it over path.
func writeFileAtomic(path string, entries map[uint64]uint64) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dime-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := WriteEntries(tmp, entries); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename to target: %w", err)
	}
	return nil
}
