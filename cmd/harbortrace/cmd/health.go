package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/austindbirch/harbor_trace/internal/health"
)

var healthService string

var errUnhealthy = errors.New("service is unhealthy")

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a running harbortrace",
	Long: `Check the health of a running harbortrace. Over HTTP the full job and
dependency report from /healthz is shown; with --grpc the standard gRPC
health service is queried, optionally for one job kind via --service
(e.g. harbortrace.attachment_sending).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		if useGRPC {
			return checkGRPC(ctx, cmd)
		}
		return checkHTTP(ctx, cmd)
	},
}

func init() {
	healthCmd.Flags().StringVar(&healthService, "service", "", "gRPC health service name (empty checks the whole server)")
	rootCmd.AddCommand(healthCmd)
}

func checkHTTP(ctx context.Context, cmd *cobra.Command) error {
	req, err := newRequest(http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := httpClient().Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("HTTP health check failed: %w", err)
	}
	defer resp.Body.Close()

	var st health.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode health status: %w", err)
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		if err := printOutput(out, st); err != nil {
			return err
		}
	} else if st.OK {
		fmt.Fprintln(out, "✓ Service is healthy (HTTP)")
	} else {
		fmt.Fprintf(out, "✗ Service is unhealthy (HTTP %d): %s\n", resp.StatusCode, st.Message)
	}
	if !st.OK {
		return errUnhealthy
	}
	return nil
}

func checkGRPC(ctx context.Context, cmd *cobra.Command) error {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if jwtToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+jwtToken)
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil {
		return fmt.Errorf("gRPC health check failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		if err := printOutput(out, resp); err != nil {
			return err
		}
	} else if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		fmt.Fprintln(out, "✓ Service is healthy (gRPC)")
	} else {
		fmt.Fprintf(out, "✗ Service is %s (gRPC)\n", resp.GetStatus())
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errUnhealthy
	}
	return nil
}
