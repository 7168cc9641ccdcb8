// Command healthcheck probes the API for container health checks. It exits
// non-zero unless the endpoint answers 200 within the timeout.
//
// The target is HEALTHCHECK_URL, or /healthz on the port from HTTP_ADDR.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultURL = "http://localhost:8080/healthz"

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := check(ctx, http.DefaultClient, targetURL(os.Getenv("HEALTHCHECK_URL"), os.Getenv("HTTP_ADDR"))); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

func targetURL(explicit, httpAddr string) string {
	if u := strings.TrimSpace(explicit); u != "" {
		return u
	}
	httpAddr = strings.TrimSpace(httpAddr)
	if httpAddr == "" {
		return defaultURL
	}
	host, port, err := net.SplitHostPort(httpAddr)
	if err != nil || port == "" {
		return defaultURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz"
}

func check(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return nil
}
