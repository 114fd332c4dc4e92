// Command coordctl is a thin operator CLI for coordinatord's REST API:
// start/inspect/pause/resume/cancel a collaboration session, list its
// conflicts, and submit a resolution.
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
)

func main() {
	addr := flag.String("addr", "http://localhost:8090", "coordinatord base URL")
	action := flag.String("action", "", "Action to perform: start, status, pause, resume, cancel, conflicts, resolve")
	session := flag.String("session", "", "Session ID")
	conflict := flag.String("conflict", "", "Conflict ID, for -action resolve")
	task := flag.String("task", "", "Task description, for -action start")
	strategy := flag.String("strategy", "", "Resolution strategy, for -action resolve")
	jsonOutput := flag.Bool("json", false, "Print the raw envelope as JSON")
	flag.Parse()

	if *action == "" {
		fmt.Fprintf(os.Stderr, "Usage: coordctl -action <action> [-session <id>] [-task <desc>] [-conflict <id>] [-strategy <name>] [-json]\n")
		fmt.Fprintf(os.Stderr, "Actions: start, status, pause, resume, cancel, conflicts, resolve\n")
		os.Exit(1)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	var (
		method string
		path   string
		body   any
	)

	switch *action {
	case "start":
		if *task == "" {
			fmt.Fprintln(os.Stderr, "-task is required for -action start")
			os.Exit(1)
		}
		method, path = http.MethodPost, "/api/session/start"
		body = map[string]string{"task": *task}
	case "status":
		method, path = http.MethodGet, "/api/session/"+require(*session, "session")+"/status"
	case "pause":
		method, path = http.MethodPost, "/api/session/"+require(*session, "session")+"/pause"
	case "resume":
		method, path = http.MethodPost, "/api/session/"+require(*session, "session")+"/resume"
	case "cancel":
		method, path = http.MethodPost, "/api/session/"+require(*session, "session")+"/cancel"
	case "conflicts":
		method, path = http.MethodGet, "/api/session/"+require(*session, "session")+"/conflicts"
	case "resolve":
		method, path = http.MethodPost, "/api/conflict/"+require(*conflict, "conflict")+"/resolve"
		body = map[string]string{"strategy": *strategy}
	default:
		fmt.Fprintf(os.Stderr, "unknown action: %s\n", *action)
		os.Exit(1)
	}

	env, err := call(client, *addr, method, path, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		json.NewEncoder(os.Stdout).Encode(env)
		return
	}
	printEnvelope(env)
}

func require(v, name string) string {
	if v == "" {
		fmt.Fprintf(os.Stderr, "-%s is required for this action\n", name)
		os.Exit(1)
	}
	return v
}

func call(client *http.Client, addr, method, path string, body any) (map[string]any, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, addr+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return env, nil
}

func printEnvelope(env map[string]any) {
	if success, _ := env["success"].(bool); !success {
		fmt.Fprintf(os.Stderr, "error: %v\n", env["error"])
		os.Exit(1)
	}
	data, err := json.MarshalIndent(env["data"], "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", env["data"])
		return
	}
	fmt.Println(string(data))
}
