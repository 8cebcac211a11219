package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	persistlog "tickbatch.ai/internal/persistence/log"
	"tickbatch.ai/internal/protocol"
	"tickbatch.ai/internal/sim/batch"
)

func main() {
	var (
		framesDir = flag.String("frames", "", "frames dir containing frames-*.jsonl.zst (default: <data>/worlds/<world>/frames)")
		dataDir   = flag.String("data", "./data", "runtime data directory")
		worldID   = flag.String("world", "world_1", "world id")
		fromTick  = flag.Uint64("from_tick", 0, "first tick to inspect (inclusive, optional)")
		toTick    = flag.Uint64("to_tick", 0, "last tick to inspect (inclusive, optional)")
		entity    = flag.String("entity", "", "only print records for this entity id")
		quiet     = flag.Bool("quiet", false, "verify only; do not print frames")
	)
	flag.Parse()

	dir := *framesDir
	if dir == "" {
		dir = filepath.Join(*dataDir, "worlds", *worldID, "frames")
	}
	files, err := persistlog.ListFrameFiles(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list frames:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no frame files in", dir)
		os.Exit(1)
	}

	opts := options{From: *fromTick, To: *toTick, Entity: *entity}
	out := io.Writer(os.Stdout)
	if *quiet {
		out = io.Discard
	}
	sum, err := inspect(files, opts, out)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "OK: %d frames, %d records, %d dropped, %s (ticks %d..%d)\n",
		sum.Frames, sum.Records, sum.Dropped, humanize.IBytes(uint64(sum.Bytes)), sum.FirstTick, sum.LastTick)
}

type options struct {
	From   uint64
	To     uint64
	Entity string
}

type summary struct {
	Frames    int
	Records   int
	Dropped   int
	Bytes     int
	FirstTick uint64
	LastTick  uint64
}

var errDone = errors.New("done")

// inspect decodes every frame in files, checks it against the metadata
// recorded next to it, and writes one JSON line per frame to out.
func inspect(files []string, opts options, out io.Writer) (summary, error) {
	var sum summary
	enc := json.NewEncoder(out)
	for _, path := range files {
		err := persistlog.ReadFrames(path, func(e persistlog.FrameEntry) error {
			if opts.From != 0 && e.Tick < opts.From {
				return nil
			}
			if opts.To != 0 && e.Tick > opts.To {
				return errDone
			}
			if err := verify(e); err != nil {
				return fmt.Errorf("%s: tick %d: %w", filepath.Base(path), e.Tick, err)
			}
			fr, err := protocol.DecodeFrame(e.Tick, e.Frame)
			if err != nil {
				return fmt.Errorf("%s: tick %d: %w", filepath.Base(path), e.Tick, err)
			}
			if sum.Frames == 0 {
				sum.FirstTick = e.Tick
			}
			sum.Frames++
			sum.Records += fr.Count
			sum.Dropped += e.Dropped
			sum.Bytes += len(e.Frame)
			sum.LastTick = e.Tick

			if opts.Entity != "" {
				kept := fr.Records[:0]
				for _, r := range fr.Records {
					if r.EntityID == opts.Entity {
						kept = append(kept, r)
					}
				}
				if len(kept) == 0 {
					return nil
				}
				fr.Records = kept
			}
			return enc.Encode(fr)
		})
		if errors.Is(err, errDone) {
			break
		}
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func verify(e persistlog.FrameEntry) error {
	if len(e.Frame) != e.Bytes {
		return fmt.Errorf("frame size mismatch: got %d want %d", len(e.Frame), e.Bytes)
	}
	n, err := batch.PeekCount(e.Frame)
	if err != nil {
		return err
	}
	if n != e.Emitted {
		return fmt.Errorf("record count mismatch: got %d want %d", n, e.Emitted)
	}
	return nil
}
