// Command proxyctl is a small client for the proxy's admin surface:
// health, cache stats, and manual purge by URL.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	admin := os.Getenv("CACHEPROXY_ADMIN_URL")
	if admin == "" {
		admin = "http://localhost:8081"
	}

	switch os.Args[1] {
	case "healthz":
		cmdHealthz(admin)
	case "stats":
		cmdStats(admin)
	case "purge":
		cmdPurge(admin)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`proxyctl - caching proxy admin client

Usage: proxyctl <command> [flags]

Commands:
  healthz          Print backend health
  stats            Print cache index stats
  purge --url URL  Invalidate a cached URL
  help             Show this help

Environment:
  CACHEPROXY_ADMIN_URL   Admin base URL (default: http://localhost:8081)`)
}

func cmdHealthz(admin string) {
	resp, err := doRequest("GET", admin+"/admin/healthz", nil)
	fail(err)
	printJSON(resp)
}

func cmdStats(admin string) {
	resp, err := doRequest("GET", admin+"/admin/stats", nil)
	fail(err)
	printJSON(resp)
}

func cmdPurge(admin string) {
	var url string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--url" && i+1 < len(args) {
			url = args[i+1]
			i++
		}
	}
	if url == "" {
		fmt.Fprintln(os.Stderr, "usage: proxyctl purge --url <url>")
		os.Exit(1)
	}
	body, _ := json.Marshal(map[string]string{"url": url})
	resp, err := doRequest("POST", admin+"/admin/purge", body)
	fail(err)
	printJSON(resp)
}

func doRequest(method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func printJSON(raw []byte) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(pretty))
}

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
}
