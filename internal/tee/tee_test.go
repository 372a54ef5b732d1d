package tee

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"strings"
	"testing"
)

func TestTeeByteIdentical(t *testing.T) {
	data := strings.Repeat("event: message\ndata: hello\n\n", 100)
	src := strings.NewReader(data)

	var client bytes.Buffer
	result, err := Tee(context.Background(), &client, src, 256*1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantSum := sha256.Sum256([]byte(data))
	gotSum := sha256.Sum256(client.Bytes())
	if wantSum != gotSum {
		t.Fatalf("client sink diverged from source")
	}
	if result.Truncated {
		t.Fatalf("did not expect truncation for small stream")
	}
}

func TestTeeTruncatesAccountingSink(t *testing.T) {
	data := strings.Repeat("x", 1024)
	src := strings.NewReader(data)

	var client bytes.Buffer
	result, err := Tee(context.Background(), &client, src, 128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Truncated {
		t.Fatalf("expected truncated accounting sink")
	}
	if client.Len() != len(data) {
		t.Fatalf("client sink must still receive the full stream, got %d want %d", client.Len(), len(data))
	}
	if len(result.Bytes) != 128 {
		t.Fatalf("expected accounting sink capped at 128 bytes, got %d", len(result.Bytes))
	}
}

func TestTeeDisconnectDrainsShortly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := strings.NewReader(strings.Repeat("y", 10))
	var client bytes.Buffer
	_, err := Tee(ctx, &client, src, 64)
	if err != nil {
		t.Fatalf("unexpected error on disconnect path: %v", err)
	}
}

var _ io.Reader = (*strings.Reader)(nil)
