package telemetry

import (
	"bytes"
	"context"
	"testing"
)

func TestStdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(Options{ServiceName: "test", Profile: "main", Stdout: true, Writer: &buf}, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, span := p.Tracer("test").Start(context.Background(), "sync.push")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"sync.push"`)) {
		t.Fatalf("expected span in output, got %q", buf.String())
	}
}

func TestProviderWithoutExporter(t *testing.T) {
	p, err := New(Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer("test").Start(context.Background(), "noop")
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a sampled span context")
	}
	span.End()
}
