// Command healthcheck probes the running service for container health checks.
// It exits 0 when the probe answers 200 and 1 otherwise.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	url := probeURL(os.Getenv("HEALTHCHECK_URL"), os.Getenv("HTTP_ADDR"))
	if err := probe(context.Background(), url); err != nil {
		log.Printf("healthcheck failed: %v", err)
		os.Exit(1)
	}
}

// probeURL prefers an explicit URL, else targets /healthz on the HTTP_ADDR port.
func probeURL(explicit, addr string) string {
	if explicit != "" {
		return explicit
	}
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/healthz"
}

func probe(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 3 * time.Second}
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
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
