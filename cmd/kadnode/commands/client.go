package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	apiURL    string
	apiKey    string
	outFormat string
	timeout   time.Duration
)

// addClientFlags registers the flags shared by commands that talk to a
// running node.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&apiURL, "api-url", "http://127.0.0.1:8420", "Admin API URL")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("KADNODE_API_KEY"), "Admin API key")
	cmd.Flags().StringVar(&outFormat, "format", "table", "Output format (table, json, yaml)")
	cmd.Flags().DurationVar(&timeout, "timeout", 45*time.Second, "Request timeout")
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// call performs one API request and decodes the data field into out.
func call(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(apiURL, "/")+path, body)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("unexpected response (%s): %w", resp.Status, err)
	}
	if !envelope.Success {
		return fmt.Errorf("%s: %s", resp.Status, envelope.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

// render prints v as JSON or YAML and reports whether it did; table output
// is left to the caller.
func render(v interface{}) (bool, error) {
	switch outFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		return true, yaml.NewEncoder(os.Stdout).Encode(v)
	case "table", "":
		return false, nil
	}
	return true, fmt.Errorf("unknown format %q", outFormat)
}

func escapeKey(key string) string {
	return "/api/v1/values/" + url.PathEscape(key)
}
