// Command chroniclecat appends lines to, or tails, a libchronicle queue
// directory from the shell: a thin CLI wrapper used for manual inspection
// and smoke-testing, not a supported wire protocol of its own.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
	"time"

	"github.com/TeaEngineering/libchronicle"
	"github.com/TeaEngineering/libchronicle/internal/oninterrupt"
	"github.com/TeaEngineering/libchronicle/internal/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
	dir        = flag.String("dir", "", "queue directory")
	mode       = flag.String("mode", "tail", "one of: append, tail, dump")
	scheme     = flag.String("scheme", "DAILY", "roll scheme to use when creating a new queue")
	version    = flag.Int("version", 5, "on-disk format version (4 or 5) to create under; an existing queue's own version is detected and used instead")
	from       = flag.Uint64("from", 0, "index to start tailing from in -mode=tail")
	cpuprofile = flag.String("cpuprofile", "", "path to store a CPU profile at")
	tracefile  = flag.String("tracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
)

func funcmain() error {
	flag.Parse()

	if *dir == "" {
		return xerrors.New("chroniclecat: -dir is required")
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if *tracefile != "" {
		f, err := os.Create(*tracefile)
		if err != nil {
			return err
		}
		trace.Sink(f)
	}

	q := libchronicle.New(*dir)
	q.SetCreate(true)
	q.SetVersion(*version)
	if err := q.SetRollScheme(*scheme); err != nil {
		return err
	}
	if err := q.Open(); err != nil {
		return xerrors.Errorf("opening %s: %w", *dir, err)
	}
	oninterrupt.Register(func() {
		if err := q.Close(); err != nil {
			log.Printf("closing queue: %v", err)
		}
	})
	defer q.Close()

	switch *mode {
	case "append":
		return runAppend(q)
	case "tail":
		return runTailTraced(q)
	case "dump":
		q.Debug(os.Stdout)
		return nil
	default:
		return xerrors.Errorf("chroniclecat: unknown -mode %q", *mode)
	}
}

// runTailTraced runs the tail loop and, when a trace sink is active, a
// background CPU/memory sampler alongside it so the trace captures host
// pressure next to the append/collect spans; the sampler is cancelled as
// soon as tailing stops for any reason.
func runTailTraced(q *libchronicle.Queue) error {
	if *tracefile == "" {
		return runTail(q, context.Background())
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var eg errgroup.Group
	eg.Go(func() error {
		err := trace.CPUEvents(ctx, time.Second)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		defer cancel()
		return runTail(q, ctx)
	})
	return eg.Wait()
}

// runAppend copies stdin, one message per line, into the queue.
func runAppend(q *libchronicle.Queue) error {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		ev := trace.Span("append", 0)
		idx, err := q.Append(sc.Text())
		ev.Done()
		if err != nil {
			return xerrors.Errorf("append: %w", err)
		}
		fmt.Printf("%#x\n", idx)
	}
	return sc.Err()
}

// runTail prints every record from -from onward, blocking for new ones as
// they arrive, until interrupted.
func runTail(q *libchronicle.Queue, ctx context.Context) error {
	t, err := q.NewTailer(libchronicle.WithStartIndex(*from))
	if err != nil {
		return xerrors.Errorf("new tailer: %w", err)
	}
	defer t.Close()

	for {
		ev := trace.Span("collect", t.Index())
		c, err := t.Collect(ctx)
		ev.Done()
		if err != nil {
			return xerrors.Errorf("collect: %w", err)
		}
		fmt.Printf("%#x\t%v\n", c.Index, c.Message)
	}
}

func main() {
	if err := funcmain(); err != nil {
		if *debug {
			log.Fatalf("%+v", err)
		}
		log.Fatal(err)
	}
}
