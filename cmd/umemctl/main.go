// Command umemctl drives a boundary-tag arena allocator through a small
// line-oriented script, standing in for the interactive test harness that
// sits outside the allocator library proper.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/orizon-lang/umem/internal/allocator"
)

func main() {
	var (
		script   string
		policy   string
		arenaLog bool
	)

	flag.StringVar(&script, "script", "", "path to a command script (default: read from stdin)")
	flag.StringVar(&policy, "policy", "first-fit", "initial placement policy: best-fit|worst-fit|first-fit|next-fit")
	flag.BoolVar(&arenaLog, "debug", false, "log every allocator failure to stderr")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Reads init/alloc/free/dump commands, one per line, and reports results.\n\n")
		fmt.Fprintf(os.Stderr, "COMMANDS:\n")
		fmt.Fprintf(os.Stderr, "  init <size>       allocate the arena (size in bytes, before page rounding)\n")
		fmt.Fprintf(os.Stderr, "  alloc <name> <n>  allocate n bytes, bind the pointer to <name>\n")
		fmt.Fprintf(os.Stderr, "  free <name>       free the pointer bound to <name>\n")
		fmt.Fprintf(os.Stderr, "  dump              print the free list\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	allocator.Debug = arenaLog

	p, err := parsePolicy(policy)
	if err != nil {
		fatal(err)
	}

	var r io.Reader = os.Stdin

	if script != "" {
		f, err := os.Open(script)
		if err != nil {
			fatal(fmt.Errorf("opening script: %w", err))
		}
		defer f.Close()

		r = f
	}

	run(r, os.Stdout, p)
}

func parsePolicy(s string) (allocator.Policy, error) {
	switch strings.ToLower(s) {
	case "best-fit", "bestfit":
		return allocator.BestFit, nil
	case "worst-fit", "worstfit":
		return allocator.WorstFit, nil
	case "first-fit", "firstfit":
		return allocator.FirstFit, nil
	case "next-fit", "nextfit":
		return allocator.NextFit, nil
	default:
		return 0, fmt.Errorf("unknown policy %q", s)
	}
}

// run executes a command script against a fresh arena, reporting one line
// of output per command to w (dump writes one line per free block instead).
func run(r io.Reader, w io.Writer, defaultPolicy allocator.Policy) {
	arena := allocator.New()
	bound := map[string]unsafe.Pointer{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)

		switch fields[0] {
		case "init":
			handleInit(w, arena, fields, defaultPolicy)
		case "alloc":
			handleAlloc(w, arena, fields, bound)
		case "free":
			handleFree(w, arena, fields, bound)
		case "dump":
			if err := arena.Dump(w); err != nil {
				fmt.Fprintf(w, "dump: error: %v\n", err)
			}
		default:
			fmt.Fprintf(w, "unknown command: %s\n", fields[0])
		}
	}
}

func handleInit(w io.Writer, arena *allocator.Arena, fields []string, defaultPolicy allocator.Policy) {
	if len(fields) < 2 {
		fmt.Fprintln(w, "init: usage: init <size>")
		return
	}

	size, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		fmt.Fprintf(w, "init: invalid size: %v\n", err)
		return
	}

	if err := arena.Init(uintptr(size), defaultPolicy); err != nil {
		fmt.Fprintf(w, "init: error: %v\n", err)
		return
	}

	fmt.Fprintf(w, "init: ok (policy=%v)\n", defaultPolicy)
}

func handleAlloc(w io.Writer, arena *allocator.Arena, fields []string, bound map[string]unsafe.Pointer) {
	if len(fields) < 3 {
		fmt.Fprintln(w, "alloc: usage: alloc <name> <size>")
		return
	}

	size, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		fmt.Fprintf(w, "alloc: invalid size: %v\n", err)
		return
	}

	p, err := arena.Alloc(uintptr(size))
	if err != nil {
		fmt.Fprintf(w, "alloc: error: %v\n", err)
		return
	}

	bound[fields[1]] = p
	fmt.Fprintf(w, "alloc: %s = %p\n", fields[1], p)
}

func handleFree(w io.Writer, arena *allocator.Arena, fields []string, bound map[string]unsafe.Pointer) {
	if len(fields) < 2 {
		fmt.Fprintln(w, "free: usage: free <name>")
		return
	}

	p, known := bound[fields[1]]
	if !known {
		fmt.Fprintf(w, "free: unknown name %q\n", fields[1])
		return
	}

	if err := arena.Free(p); err != nil {
		fmt.Fprintf(w, "free: error: %v\n", err)
		return
	}

	delete(bound, fields[1])
	fmt.Fprintf(w, "free: %s ok\n", fields[1])
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
