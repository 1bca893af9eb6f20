package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"worldstream/internal/scheduler"
)

// Replays the compressed event log, verifying per-request lifecycle order
// and printing a summary (or the raw trail with -id / -kind filters).
func main() {
	var (
		eventsDir  = flag.String("events", "./data/events", "dir containing events-*.jsonl.zst")
		filterID   = flag.String("id", "", "print only this request id's trail")
		filterKind = flag.String("kind", "", "print only events of this kind")
		verbose    = flag.Bool("v", false, "print every event")
	)
	flag.Parse()

	files, err := listEventFiles(*eventsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", *eventsDir)
		os.Exit(1)
	}

	st := newLifecycleState()
	for _, path := range files {
		if err := replayFile(st, path, *filterID, *filterKind, *verbose); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}

	fmt.Printf("replay ok: events=%d requests=%d completed=%d failed=%d cancelled=%d unresolved=%d\n",
		st.events, len(st.last), st.completed, st.failed, st.cancelled, st.unresolved())
}

func listEventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

type lifecycleState struct {
	events    uint64
	completed uint64
	failed    uint64
	cancelled uint64

	// last observed kind per id; a resubmitted id starts over at "submit".
	last map[string]string
}

func newLifecycleState() *lifecycleState {
	return &lifecycleState{last: map[string]string{}}
}

func (st *lifecycleState) unresolved() int {
	n := 0
	for _, k := range st.last {
		if k == "submit" || k == "dispatch" {
			n++
		}
	}
	return n
}

// apply checks that the event is legal given what we saw before for its id.
func (st *lifecycleState) apply(ev scheduler.Event) error {
	prev := st.last[ev.ID]
	switch ev.Kind {
	case "submit":
		if prev == "submit" || prev == "dispatch" {
			return fmt.Errorf("id %s: submit while still %s", ev.ID, prev)
		}
	case "dispatch":
		if prev != "submit" {
			return fmt.Errorf("id %s: dispatch after %q", ev.ID, prev)
		}
	case "complete":
		if prev != "dispatch" {
			return fmt.Errorf("id %s: complete after %q", ev.ID, prev)
		}
		st.completed++
	case "fail":
		if prev != "dispatch" {
			return fmt.Errorf("id %s: fail after %q", ev.ID, prev)
		}
		st.failed++
	case "cancel":
		if prev != "submit" && prev != "dispatch" {
			return fmt.Errorf("id %s: cancel after %q", ev.ID, prev)
		}
		st.cancelled++
	default:
		return fmt.Errorf("id %s: unknown kind %q", ev.ID, ev.Kind)
	}
	st.last[ev.ID] = ev.Kind
	st.events++
	return nil
}

func replayFile(st *lifecycleState, path, filterID, filterKind string, verbose bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		var ev scheduler.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := st.apply(ev); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if filterID != "" && ev.ID != filterID {
			continue
		}
		if filterKind != "" && ev.Kind != filterKind {
			continue
		}
		if verbose || filterID != "" || filterKind != "" {
			fmt.Printf("%s %-8s %-20s (%d,%d) tier=%s dur=%.1fms %s\n",
				ev.Time.Format("15:04:05.000"), ev.Kind, ev.ID, ev.CX, ev.CZ, ev.Tier, ev.DurationMs, ev.Reason)
		}
	}
	return sc.Err()
}
