package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 5 * time.Minute}}

	root := &cobra.Command{
		Use:          "extractactl",
		Short:        "Upload documents to Extracta and inspect their extraction status",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.baseURL, "server", envOr("EXTRACTA_URL", "http://localhost:8080"), "Extracta base URL")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv("EXTRACTA_TOKEN"), "bearer token, when the server requires one")

	root.AddCommand(newIngestCmd(c), newStatusCmd(c), newExtractCmd(c))
	return root
}

func newIngestCmd(c *client) *cobra.Command {
	var callback, contentType string
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Upload a document and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			body, err := json.Marshal(map[string]string{
				"file":         base64.StdEncoding.EncodeToString(data),
				"callback_url": callback,
				"content_type": contentType,
			})
			if err != nil {
				return err
			}
			return c.do(cmd.OutOrStdout(), http.MethodPost, "/api/documents", body)
		},
	}
	cmd.Flags().StringVar(&callback, "callback", "", "URL to POST the extracted text to")
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME type of the file (sniffed when empty)")
	return cmd
}

func newStatusCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a document's status and text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.OutOrStdout(), http.MethodGet, "/api/documents/"+url.PathEscape(args[0]), nil)
		},
	}
}

func newExtractCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "extract <id>",
		Short: "Run extraction again for an uploaded or failed document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.OutOrStdout(), http.MethodPost, "/api/documents/"+url.PathEscape(args[0])+"/extract", nil)
		},
	}
}

func (c *client) do(out io.Writer, method, path string, body []byte) error {
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var pretty bytes.Buffer
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Fprintln(out, string(raw))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
