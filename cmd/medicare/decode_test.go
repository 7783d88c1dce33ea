package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/ent0n29/medicare/internal/inference"
	"github.com/ent0n29/medicare/internal/sse"
)

func TestRunDecodePrintsDeltas(t *testing.T) {
	stream := inference.MockStream("Drink plenty of fluids.")
	var out bytes.Buffer
	if err := runDecode(context.Background(), io.NopCloser(strings.NewReader(stream)), &out, 7, false); err != nil {
		t.Fatalf("runDecode() error = %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "Drink plenty of fluids." {
		t.Fatalf("output = %q", got)
	}
}

func TestRunDecodeQuietPrintsFinalMessage(t *testing.T) {
	stream := "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\ndata: not json\n\ndata: [DONE]\n\n"
	var out bytes.Buffer
	if err := runDecode(context.Background(), io.NopCloser(strings.NewReader(stream)), &out, 0, true); err != nil {
		t.Fatalf("runDecode() error = %v", err)
	}
	if out.String() != "Hi\n" {
		t.Fatalf("output = %q, want %q", out.String(), "Hi\n")
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("disk error") }

func TestRunDecodeReportsTransportFailure(t *testing.T) {
	var out bytes.Buffer
	err := runDecode(context.Background(), io.NopCloser(brokenReader{}), &out, 0, true)
	if !errors.Is(err, sse.ErrTransport) {
		t.Fatalf("runDecode() error = %v, want ErrTransport", err)
	}
}
