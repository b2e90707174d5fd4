package telemetry

import (
	"strings"
	"testing"
)

func TestInitTracer_None(t *testing.T) {
	shutdown, err := InitTracer("tokenr-test", "dev", ExporterConfig{Type: "none"})
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	shutdown()
}

func TestInitTracer_Stdout(t *testing.T) {
	shutdown, err := InitTracer("tokenr-test", "dev", ExporterConfig{Type: "stdout"})
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	shutdown()
}

func TestInitTracer_UnknownExporter(t *testing.T) {
	_, err := InitTracer("tokenr-test", "dev", ExporterConfig{Type: "zipkin"})
	if err == nil || !strings.Contains(err.Error(), "zipkin") {
		t.Errorf("Expected unknown exporter error, got %v", err)
	}
}
