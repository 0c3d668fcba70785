package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"reflect"
	"strings"
	"time"
)

// volatileKeys differ between two runs of the same request and are dropped
// before comparing results.
var volatileKeys = map[string]bool{
	"runId":      true,
	"finishedAt": true,
	"elapsedNs":  true,
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type outcome struct {
	Base     string
	RunID    string
	State    string
	Result   map[string]interface{}
	Duration time.Duration
	Error    error
}

func main() {
	var (
		baseA       string
		baseB       string
		requestPath string
		timeout     time.Duration
		poll        time.Duration
	)

	flag.StringVar(&baseA, "a-base", "http://localhost:8080/api/v1", "First solver API base URL")
	flag.StringVar(&baseB, "b-base", "", "Second solver API base URL (defaults to -a-base)")
	flag.StringVar(&requestPath, "request", "solve.json", "Path to a JSON solve request; set a seed for a meaningful comparison")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "Maximum wait for each run to finish")
	flag.DurationVar(&poll, "poll", 500*time.Millisecond, "Result polling interval")
	flag.Parse()
	if baseB == "" {
		baseB = baseA
	}

	payload, err := os.ReadFile(requestPath)
	if err != nil {
		log.Fatalf("failed to read request: %v", err)
	}
	if !bytes.Contains(payload, []byte(`"seed"`)) {
		log.Printf("warning: request has no seed; both runs use the server default")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	a := replay(client, baseA, payload, timeout, poll)
	b := replay(client, baseB, payload, timeout, poll)
	printReport(a, b)

	if a.Error != nil || b.Error != nil || !resultsEqual(a.Result, b.Result) {
		os.Exit(1)
	}
}

func replay(client *http.Client, base string, payload []byte, timeout, poll time.Duration) outcome {
	out := outcome{Base: base}
	start := time.Now()
	defer func() { out.Duration = time.Since(start) }()

	var submitted struct {
		RunID string `json:"runId"`
	}
	if _, err := call(client, http.MethodPost, base+"/solve", payload, &submitted); err != nil {
		out.Error = fmt.Errorf("submit: %w", err)
		return out
	}
	out.RunID = submitted.RunID

	deadline := time.Now().Add(timeout)
	for {
		var result map[string]interface{}
		status, err := call(client, http.MethodGet, base+"/results/"+out.RunID, nil, &result)
		if err != nil {
			out.Error = fmt.Errorf("results: %w", err)
			return out
		}
		if status == http.StatusOK {
			out.Result = result
			out.State, _ = result["state"].(string)
			out.Duration = time.Since(start)
			return out
		}
		if time.Now().After(deadline) {
			out.Error = errors.New("timed out waiting for run to finish")
			return out
		}
		time.Sleep(poll)
	}
}

func call(client *http.Client, method, url string, body []byte, dest interface{}) (int, error) {
	if client == nil {
		return 0, errors.New("nil client")
	}
	req, err := http.NewRequest(method, strings.TrimRight(url, "/"), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return resp.StatusCode, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Error != nil {
		return resp.StatusCode, fmt.Errorf("%d %s: %s", resp.StatusCode, env.Error.Code, env.Error.Message)
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return resp.StatusCode, fmt.Errorf("decode data: %w", err)
	}
	return resp.StatusCode, nil
}

func resultsEqual(a, b map[string]interface{}) bool {
	if a == nil || b == nil {
		return false
	}
	var aj, bj interface{} = a, b
	normalize(&aj)
	normalize(&bj)
	return reflect.DeepEqual(aj, bj)
}

func normalize(v *interface{}) {
	switch val := (*v).(type) {
	case map[string]interface{}:
		for k, v2 := range val {
			if volatileKeys[k] {
				delete(val, k)
				continue
			}
			normalize(&v2)
			val[k] = v2
		}
	case []interface{}:
		for i, v2 := range val {
			normalize(&v2)
			val[i] = v2
		}
	case float64:
		if val == float64(int64(val)) {
			*v = int64(val)
		}
	}
}

func printReport(a, b outcome) {
	fmt.Println("Replay Compare Report")
	fmt.Println("=====================")
	for _, o := range []outcome{a, b} {
		status := "OK"
		if o.Error != nil {
			status = "ERROR"
		}
		fmt.Printf("[%s] %s run=%s state=%s (%s)\n", status, o.Base, o.RunID, o.State, o.Duration)
		if o.Error != nil {
			fmt.Printf("  Error: %v\n", o.Error)
		}
	}
	if a.Error == nil && b.Error == nil {
		fmt.Printf("Results match: %t\n", resultsEqual(a.Result, b.Result))
	}
}
