// Package lakehousectl is a thin command line client for the lakehouse API.
package lakehousectl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Options struct {
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client
	Stdout       io.Writer
	Stderr       io.Writer
}

type request struct {
	path  string
	query url.Values
	// wait polls the export endpoint until it settles.
	wait bool
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("lakehousectl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "lakehouse API base URL")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")
	pollInterval := fs.Duration("poll-interval", durationOr(defaults.PollInterval, 2*time.Second), "export -wait poll interval")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	req, err := parseCommand(fs.Arg(0), fs.Args()[1:], stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	var (
		code int
		body []byte
	)
	for {
		code, body, err = doRequest(ctx, client, endpoint)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
			return 1
		}
		if !req.wait || code >= 400 || settled(body) {
			break
		}
		select {
		case <-ctx.Done():
			_, _ = fmt.Fprintf(stderr, "gave up waiting: %v\n", ctx.Err())
			return 1
		case <-time.After(*pollInterval):
		}
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(body)))
		return 1
	}
	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(body) > 0 {
		_, _ = fmt.Fprintln(stdout, string(body))
	}
	return 0
}

func parseCommand(command string, args []string, stderr io.Writer) (request, error) {
	command = strings.TrimSpace(command)
	sub := flag.NewFlagSet(command, flag.ContinueOnError)
	sub.SetOutput(stderr)

	switch command {
	case "health", "ready":
		return request{path: "/" + command}, nil
	case "data-types":
		return request{path: "/data_types"}, nil
	case "filters":
		if len(args) != 1 {
			return request{}, fmt.Errorf("filters needs <data_type>")
		}
		return request{path: "/filters/" + url.PathEscape(args[0])}, nil
	case "query":
		fields := sub.String("fields", "", "comma separated fields")
		condition := sub.String("condition", "", "SQL filter")
		if err := sub.Parse(args); err != nil {
			return request{}, err
		}
		if sub.NArg() != 2 {
			return request{}, fmt.Errorf("query needs <data_type> <species>")
		}
		q := url.Values{}
		if *fields != "" {
			q.Set("fields", *fields)
		}
		if *condition != "" {
			q.Set("condition", *condition)
		}
		return request{path: "/query/" + url.PathEscape(sub.Arg(0)) + "/" + url.PathEscape(sub.Arg(1)), query: q}, nil
	case "status":
		if len(args) != 1 {
			return request{}, fmt.Errorf("status needs <query_id>")
		}
		return request{path: "/query/" + url.PathEscape(args[0]) + "/status"}, nil
	case "preview":
		maxResults := sub.Int("max", 0, "rows to return, header included")
		if err := sub.Parse(args); err != nil {
			return request{}, err
		}
		if sub.NArg() != 1 {
			return request{}, fmt.Errorf("preview needs <query_id>")
		}
		q := url.Values{}
		if *maxResults > 0 {
			q.Set("maxResults", strconv.Itoa(*maxResults))
		}
		return request{path: "/query/" + url.PathEscape(sub.Arg(0)) + "/preview", query: q}, nil
	case "export":
		format := sub.String("format", "csv", "file format")
		wait := sub.Bool("wait", false, "poll until the export is DONE or FAILED")
		if err := sub.Parse(args); err != nil {
			return request{}, err
		}
		if sub.NArg() != 1 {
			return request{}, fmt.Errorf("export needs <query_id>")
		}
		q := url.Values{}
		q.Set("file_format", *format)
		return request{path: "/query/" + url.PathEscape(sub.Arg(0)) + "/export", query: q, wait: *wait}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

// settled reports whether an export response is terminal.
func settled(body []byte) bool {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return true
	}
	return payload.Status == "DONE" || strings.HasPrefix(payload.Status, "FAILED")
}

func doRequest(ctx context.Context, client *http.Client, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: lakehousectl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                                       GET /health")
	_, _ = fmt.Fprintln(w, "  ready                                        GET /ready")
	_, _ = fmt.Fprintln(w, "  data-types                                   GET /data_types")
	_, _ = fmt.Fprintln(w, "  filters <data_type>                          GET /filters/{data_type}")
	_, _ = fmt.Fprintln(w, "  query [-fields f] [-condition c] <data_type> <species>")
	_, _ = fmt.Fprintln(w, "  status <query_id>                            GET /query/{query_id}/status")
	_, _ = fmt.Fprintln(w, "  preview [-max n] <query_id>                  GET /query/{query_id}/preview")
	_, _ = fmt.Fprintln(w, "  export [-format f] [-wait] <query_id>        GET /query/{query_id}/export")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
