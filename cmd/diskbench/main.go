// Command diskbench drives src/simdisk with a configurable number of
// read and write operations and emits the per-operation latencies as a
// pprof profile, so "go tool pprof" can flame-graph and percentile a
// block driver's behavior the same way it would a CPU profile.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/pprof/profile"

	"onix/src/simdisk"
)

func main() {
	image := flag.String("image", "diskbench.img", "path to the backing disk image")
	sectors := flag.Int64("sectors", 4096, "disk image size in sectors")
	ops := flag.Int("ops", 1000, "number of read/write pairs to run")
	out := flag.String("out", "diskbench.pb.gz", "pprof output path")
	flag.Parse()

	disk, err := simdisk.New(*image, *sectors)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer disk.Close()

	prof, err := run(disk, *ops, int(*sectors))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()
	if err := prof.Write(f); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d samples to %s\n", len(prof.Sample), *out)
}

// run performs ops write-then-read round trips against disk and
// returns a pprof profile with one sample per operation, tagged
// "read" or "write", with value[0] a unit count and value[1] the
// operation's latency in nanoseconds.
func run(disk *simdisk.Disk_t, ops, sectors int) (*profile.Profile, error) {
	readFn := &profile.Function{ID: 1, Name: "read"}
	writeFn := &profile.Function{ID: 2, Name: "write"}
	readLoc := &profile.Location{ID: 1, Line: []profile.Line{{Function: readFn}}}
	writeLoc := &profile.Location{ID: 2, Line: []profile.Line{{Function: writeFn}}}

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "operations", Unit: "count"},
			{Type: "latency", Unit: "nanoseconds"},
		},
		Function: []*profile.Function{readFn, writeFn},
		Location: []*profile.Location{readLoc, writeLoc},
		Period:   1,
		PeriodType: &profile.ValueType{
			Type: "operations",
			Unit: "count",
		},
		TimeNanos: time.Now().UnixNano(),
	}

	buf := make([]byte, simdisk.SectorSize)
	for i := 0; i < ops; i++ {
		sector := i % sectors

		start := time.Now()
		if err := disk.Write(buf, sector, 0); err != 0 {
			return nil, fmt.Errorf("write sector %d: %v", sector, err)
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{writeLoc},
			Value:    []int64{1, time.Since(start).Nanoseconds()},
		})

		start = time.Now()
		if err := disk.Read(buf, sector, 0); err != 0 {
			return nil, fmt.Errorf("read sector %d: %v", sector, err)
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{readLoc},
			Value:    []int64{1, time.Since(start).Nanoseconds()},
		})
	}
	return prof, nil
}
