package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_trace/internal/correlation"
)

var captureCorrelationID string

var captureCmd = &cobra.Command{
	Use:   "capture NAME [FILE]",
	Short: "Capture a payload as an attachment",
	Long: `Send a payload to a running harbortrace, which fans it out to every
enabled sink. The payload is read from FILE, or from stdin when FILE is
omitted or "-".`,
	Example: `  harbortrace capture request.body ./body.json
  curl -s https://example.com | harbortrace capture page.html`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var src io.Reader = cmd.InOrStdin()
		if len(args) == 2 && args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			src = f
		}
		payload, err := io.ReadAll(src)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}

		res, err := capture(args[0], payload)
		if err != nil {
			return err
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "captured %s (%d bytes) id=%s correlation=%s\n",
			res.Name, res.SizeBytes, res.ID, res.CorrelationID)
		return nil
	},
}

func init() {
	captureCmd.Flags().StringVar(&captureCorrelationID, "correlation-id", "", "correlation id to capture under (random when empty)")
	rootCmd.AddCommand(captureCmd)
}

func capture(name string, payload []byte) (captureResponse, error) {
	var res captureResponse
	if captureCorrelationID != "" {
		if _, err := uuid.Parse(captureCorrelationID); err != nil {
			return res, fmt.Errorf("invalid correlation id: %w", err)
		}
	}

	req, err := newRequest(http.MethodPost, "/v1/attachments?name="+url.QueryEscape(name), bytes.NewReader(payload))
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if captureCorrelationID != "" {
		req.Header.Set(correlation.HeaderName, captureCorrelationID)
	}

	resp, err := httpClient().Do(req)
	if err != nil {
		return res, fmt.Errorf("capture request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return res, fmt.Errorf("capture rejected (HTTP %d): %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}
