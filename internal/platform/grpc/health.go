package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthInitialBackoff = 200 * time.Millisecond
	healthMaxBackoff     = time.Second
	healthCheckTimeout   = time.Second
)

// WaitForHealth polls the standard health service on conn until it reports
// SERVING or ctx ends. A waiting line is logged only when the observed state
// changes, so a long outage produces one line rather than one per poll.
func WaitForHealth(ctx context.Context, conn gogrpc.ClientConnInterface, service string, logf func(string, ...any)) error {
	if conn == nil {
		return errors.New("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}

	client := grpc_health_v1.NewHealthClient(conn)
	backoff := healthInitialBackoff
	lastState := ""
	for attempt := 1; ; attempt++ {
		state, serving := checkHealth(ctx, client, service)
		if serving {
			logf("gRPC health is SERVING after %d attempt(s)", attempt)
			return nil
		}
		if state != lastState {
			logf("waiting for gRPC health: %s", state)
			lastState = state
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("wait for gRPC health (last state %s): %w", lastState, ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, healthMaxBackoff)
	}
}

// checkHealth runs one bounded health check and describes the result.
func checkHealth(ctx context.Context, client grpc_health_v1.HealthClient, service string) (string, bool) {
	callCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	response, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return err.Error(), false
	}
	status := response.GetStatus()
	return "status " + status.String(), status == grpc_health_v1.HealthCheckResponse_SERVING
}
