// sheetqueue posts a tab-separated prompt sheet to a running daemon, turning
// each row into a queued generation job.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func main() {
	var (
		server    = flag.String("server", "http://127.0.0.1:8080", "daemon base URL")
		file      = flag.String("file", "", "sheet path, - for stdin")
		requester = flag.String("requester", "", "requester id the jobs run under")
		admin     = flag.Bool("admin", false, "mark the requester as admin")
	)
	flag.Parse()

	if *requester == "" {
		fmt.Fprintln(os.Stderr, "sheetqueue: -requester is required")
		os.Exit(2)
	}

	var in io.Reader = os.Stdin
	if *file != "" && *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sheetqueue: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	endpoint := strings.TrimRight(*server, "/") + "/v1/sheet?" + url.Values{
		"requester": {*requester},
		"admin":     {fmt.Sprintf("%t", *admin)},
	}.Encode()

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(endpoint, "text/tab-separated-values", in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sheetqueue: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var result struct {
		ContextHandle string `json:"context_handle"`
		Submitted     int    `json:"submitted"`
		Error         string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "sheetqueue: decode response: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusCreated {
		fmt.Fprintf(os.Stderr, "sheetqueue: server rejected sheet: %s\n", result.Error)
		os.Exit(1)
	}
	fmt.Printf("queued %d jobs under context %s\n", result.Submitted, result.ContextHandle)
}
