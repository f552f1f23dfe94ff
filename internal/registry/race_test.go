package registry

import (
	"sync"
	"testing"

	"github.com/szibis/dime-governor/internal/redundancy"
	"github.com/szibis/dime-governor/internal/version"
)

// Run with -race: threads register and fill their own logs concurrently.
func TestRace_ConcurrentThreadStart(t *testing.T) {
	const threads = 64
	r := New(threads + 1)

	var wg sync.WaitGroup
	for i := 1; i <= threads; i++ {
		wg.Add(1)
		go func(ord int) {
			defer wg.Done()
			td, err := r.OnThreadStart(ord)
			if err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < 100; j++ {
				k := redundancy.RegionKey{Addr: uint64(j), Size: 4}
				if td.Log.ShouldProcess(k, "libc.so.6") {
					td.Log.RecordProcessed(k, "libc.so.6", version.Instrumented)
				}
			}
		}(i)
	}
	wg.Wait()

	if r.Count() != threads+1 {
		t.Fatalf("Count() = %d, want %d", r.Count(), threads+1)
	}
	total := 0
	r.Each(func(td *ThreadData) { total += td.Log.Len() })
	if total != threads*100 {
		t.Errorf("total logged regions = %d, want %d", total, threads*100)
	}
}

func TestRace_DuplicateThreadStart(t *testing.T) {
	const starters = 16
	r := New(4)

	records := make([]*ThreadData, starters)
	var wg sync.WaitGroup
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			td, err := r.OnThreadStart(3)
			if err != nil {
				t.Error(err)
				return
			}
			records[i] = td
		}(i)
	}
	wg.Wait()

	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
	for i, td := range records {
		if td != r.Get(3) {
			t.Fatalf("starter %d got a different record", i)
		}
	}
}
