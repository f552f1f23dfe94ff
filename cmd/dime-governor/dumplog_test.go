package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestDumpLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0_libc.so.6.log")
	if err := os.WriteFile(path, []byte("512 8\n256 4\nbogus\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := dumpLog(&buf, path); err != nil {
		t.Fatal(err)
	}
	want := "0x0000000000000100 4\n0x0000000000000200 8\n# 2 regions, 12 bytes, 1 malformed lines\n"
	if buf.String() != want {
		t.Errorf("dumpLog output =\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestDumpLogMissing(t *testing.T) {
	if err := dumpLog(&bytes.Buffer{}, "/nonexistent/0_x.log"); err == nil {
		t.Error("expected error for missing file")
	}
}
