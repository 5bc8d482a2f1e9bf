package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/basket/agentui/internal/auth"
	"github.com/basket/agentui/internal/config"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: agentui status")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	return fetchAndPrint(ctx, baseURL(cfg.BindAddr)+"/healthz", os.Stdout)
}

func runSessionsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum stored sessions to list")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	url := baseURL(cfg.BindAddr) + "/api/sessions?limit=" + strconv.Itoa(*limit)
	return fetchAndPrint(ctx, url, os.Stdout)
}

// baseURL turns a bind address into an http URL, defaulting an unspecified
// host to loopback.
func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:8765"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func fetchAndPrint(ctx context.Context, url string, out io.Writer) int {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	if key := strings.TrimSpace(os.Getenv("AGENTUI_API_KEY")); key != "" {
		req.Header.Set(auth.HeaderAPIKey, key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = out.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
