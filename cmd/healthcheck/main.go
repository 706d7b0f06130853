// Command healthcheck asks a running slotkeeper for its health report and
// exits 1 unless the answer is 200. Container images without a shell or curl
// use it as their HEALTHCHECK.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

const (
	listenAddrEnv = "SLOTKEEPER_LISTEN_ADDR"
	fallbackAddr  = "127.0.0.1:8080"
	healthPath    = "/api/v1/health"
	probeTimeout  = 2 * time.Second
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if err := probe(ctx, healthURL(os.Getenv(listenAddrEnv))); err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck:", err)
		cancel()
		os.Exit(1)
	}
}

// probe GETs target and fails on transport errors or any status but 200.
func probe(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", target, err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	return nil
}

// healthURL builds the health endpoint URL for the server's listen address.
// Wildcard hosts are dialed on loopback.
func healthURL(listenAddr string) string {
	u := url.URL{Scheme: "http", Host: dialAddr(listenAddr), Path: healthPath}
	return u.String()
}

func dialAddr(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return fallbackAddr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
