package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/telemetry"
	"github.com/fieldtest/fieldtest/pkg/transports/httplog"
)

// registerSuite registers the example suite. It targets an httpbin
// compatible service at the project's base_url (default https://httpbin.org).
func registerSuite(r *engine.Runner) error {
	tests := []engine.TestRegistration{
		engine.NewTest("status", "ok", statusOK),
		engine.NewTest("status", "teapot", statusTeapot),
		engine.NewTest("echo", "headers", echoHeaders),
		engine.NewTest("echo", "query_params_are_masked", echoQuery),
		engine.NewTest("echo", "post_json", postJSON),
		engine.NewTest("auth", "bearer", bearerAuth, engine.Serial("auth")),
		engine.NewTest("auth", "bearer_rejected", bearerRejected, engine.Serial("auth")),
		engine.NewTest("flow", "create", flowStep("/anything/create"), engine.Ordered()),
		engine.NewTest("flow", "read", flowStep("/anything/read"), engine.Ordered()),
		engine.NewTest("flow", "delete", flowStep("/anything/delete"), engine.Ordered()),
	}
	for _, t := range tests {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

var client = httplog.NewClient()

func baseURL(ctx context.Context) string {
	if url, err := engine.Project(ctx).GetString("base_url"); err == nil && url != "" {
		return strings.TrimSuffix(url, "/")
	}
	return "https://httpbin.org"
}

func get(ctx context.Context, path string, header http.Header) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(ctx)+path, nil)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return do(req)
}

func do(req *http.Request) (*http.Response, []byte, error) {
	logger := telemetry.FromContext(req.Context()).Zerolog()

	resp, err := client.Do(req)
	if err != nil {
		logger.Debug().Err(err).Str("method", req.Method).Str("path", req.URL.Path).Msg("Request failed")
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Msg("Request completed")
	return resp, body, nil
}

func statusOK(ctx context.Context) error {
	resp, _, err := get(ctx, "/status/200", nil)
	if err != nil {
		return err
	}
	return engine.CheckEqual(ctx, http.StatusOK, resp.StatusCode)
}

func statusTeapot(ctx context.Context) error {
	resp, _, err := get(ctx, "/status/418", nil)
	if err != nil {
		return err
	}
	return engine.CheckEqual(ctx, http.StatusTeapot, resp.StatusCode)
}

func echoHeaders(ctx context.Context) error {
	resp, body, err := get(ctx, "/headers", http.Header{"X-Fieldtest": {"1"}})
	if err != nil {
		return err
	}
	if err := engine.CheckEqual(ctx, http.StatusOK, resp.StatusCode); err != nil {
		return err
	}

	var doc struct {
		Headers map[string]string `json:"headers"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return engine.CheckEqual(ctx, "1", doc.Headers["X-Fieldtest"])
}

func echoQuery(ctx context.Context) error {
	resp, body, err := get(ctx, "/get?page=2&access_token=s3cr3t", nil)
	if err != nil {
		return err
	}
	if err := engine.CheckEqual(ctx, http.StatusOK, resp.StatusCode); err != nil {
		return err
	}

	var doc struct {
		Args map[string]string `json:"args"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return engine.CheckEqual(ctx, "2", doc.Args["page"])
}

func postJSON(ctx context.Context) error {
	payload := `{"name":"fieldtest","tags":["api","e2e"]}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(ctx)+"/post", strings.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, body, err := do(req)
	if err != nil {
		return err
	}
	if err := engine.CheckEqual(ctx, http.StatusOK, resp.StatusCode); err != nil {
		return err
	}

	var doc struct {
		JSON struct {
			Name string `json:"name"`
		} `json:"json"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return engine.CheckEqual(ctx, "fieldtest", doc.JSON.Name)
}

func bearerAuth(ctx context.Context) error {
	token, err := engine.Project(ctx).GetString("token")
	if err != nil {
		telemetry.FromContext(ctx).Zerolog().Debug().Msg("No token configured, using the example token")
		token = "example-token"
	}
	resp, _, err := get(ctx, "/bearer", http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		return err
	}
	return engine.CheckEqual(ctx, http.StatusOK, resp.StatusCode)
}

func bearerRejected(ctx context.Context) error {
	resp, _, err := get(ctx, "/bearer", nil)
	if err != nil {
		return err
	}
	return engine.CheckEqual(ctx, http.StatusUnauthorized, resp.StatusCode)
}

func flowStep(path string) engine.TestFunc {
	return func(ctx context.Context) error {
		resp, _, err := get(ctx, path, nil)
		if err != nil {
			return err
		}
		return engine.CheckTrue(ctx, resp.StatusCode < 300, fmt.Sprintf("GET %s succeeds", path))
	}
}
