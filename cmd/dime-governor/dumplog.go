package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/szibis/dime-governor/internal/redundancy"
)

// dumpLog prints a persisted redundancy log with hex addresses.
func dumpLog(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, skipped, err := redundancy.ReadEntries(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	addrs := make([]uint64, 0, len(entries))
	var bytes uint64
	for a, s := range entries {
		addrs = append(addrs, a)
		bytes += s
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, a := range addrs {
		if _, err := fmt.Fprintf(w, "0x%016x %d\n", a, entries[a]); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "# %d regions, %d bytes, %d malformed lines\n", len(addrs), bytes, skipped)
	return err
}
