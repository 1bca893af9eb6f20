package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"worldstream/internal/scheduler"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	body, err := httpGet(*addr + "/admin/v1/state")
	if err != nil {
		fmt.Fprintln(os.Stderr, "state:", err)
		os.Exit(1)
	}
	var resp struct {
		Snapshot scheduler.Snapshot `json:"snapshot"`
		Metrics  scheduler.Metrics  `json:"metrics"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	s := resp.Snapshot
	fmt.Printf("strategy=%s max_concurrent=%d\n", s.Strategy, s.MaxConcurrentLoads)
	fmt.Printf("pending=%d in_progress=%d completed=%d failed=%d cancelled=%d admitted=%d\n",
		s.Pending, s.InProgress, s.Completed, s.Failed, s.Cancelled, s.Admitted)
	for _, tier := range []string{"critical", "high", "normal", "low", "background"} {
		fmt.Printf("  %-10s %d\n", tier, s.PendingByTier[tier])
	}
	m := resp.Metrics
	fmt.Printf("avg_load=%.2fms samples=%d dispatched=%d predicted: submitted=%d dropped=%d\n",
		m.AvgLoadMs, m.LoadSamples, m.Dispatched, m.PredictedSubmitted, m.PredictedDropped)
}

func configCmd(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "server base url")
	strategy := fs.String("strategy", "", "set strategy")
	maxLoads := fs.Int("max_concurrent_loads", 0, "set dispatch concurrency cap")
	batch := fs.String("batching", "", "enable/disable batching (true|false)")
	_ = fs.Parse(args)

	patch := map[string]any{}
	if *strategy != "" {
		patch["Strategy"] = *strategy
	}
	if *maxLoads > 0 {
		patch["MaxConcurrentLoads"] = *maxLoads
	}
	if *batch != "" {
		patch["BatchingEnabled"] = *batch == "true"
	}

	var (
		body []byte
		err  error
	)
	if len(patch) == 0 {
		body, err = httpGet(*addr + "/admin/v1/config")
	} else {
		b, _ := json.Marshal(patch)
		body, err = httpPost(*addr+"/admin/v1/config", b)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(pretty.String())
}

func httpGet(url string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return body, nil
}

func httpPost(url string, payload []byte) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return body, nil
}
