package keyedmutexd

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw     string
		want    otlpTarget
		wantErr bool
	}{
		{raw: "collector", want: otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{raw: "collector:9000", want: otlpTarget{protocol: "grpc", endpoint: "collector:9000", insecure: true}},
		{raw: "grpc://collector", want: otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{raw: "grpcs://collector:443", want: otlpTarget{protocol: "grpc", endpoint: "collector:443"}},
		{raw: "http://collector", want: otlpTarget{protocol: "http", endpoint: "collector:4318", insecure: true}},
		{raw: "https://collector/otlp/v1/traces/", want: otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/otlp/v1/traces"}},
		{raw: "ftp://collector", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := resolveOTLPTarget(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, err := setupTelemetry(context.Background(), telemetryConfig{}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if tel != nil {
		t.Fatalf("expected nil telemetry when nothing is configured")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestSetupTelemetryRuntimeMetricsNeedListener(t *testing.T) {
	if _, err := setupTelemetry(context.Background(), telemetryConfig{RuntimeMetrics: true}, pslog.NoopLogger()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMetricsEndpointServesEngineMetrics(t *testing.T) {
	tel, err := setupTelemetry(context.Background(), telemetryConfig{MetricsListen: "127.0.0.1:0"}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	srv, err := NewServer(Config{Listen: "127.0.0.1:0", ListenProto: ProtoTCP, MaxConns: 7}, WithLogger(pslog.NoopLogger()))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()

	httpClient := &http.Client{Timeout: 2 * time.Second}
	resp, err := httpClient.Get("http://" + tel.metricsAddr.String() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "keyedmutexd_conn_capacity") {
		t.Fatalf("capacity gauge missing from scrape:\n%s", body)
	}
	httpClient.CloseIdleConnections()
}
