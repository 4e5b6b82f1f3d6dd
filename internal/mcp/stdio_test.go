package mcp

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

// cat echoes stdin to stdout, so a request line comes back byte-identical
// and parses as a response carrying the same ID. That is enough to
// exercise subprocess launch, framing, and ID correlation end to end.
func TestStdioTransport_EchoRoundTrip(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "cat"})
	defer tr.Close()

	req := NewRequest(7, "tools/list", nil)
	resp, err := tr.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 7 {
		t.Errorf("resp.ID = %d, want 7", resp.ID)
	}
}

func TestStdioTransport_ContextCancelsBlockedRead(t *testing.T) {
	// sleep never reads stdin or writes stdout, so the read blocks until
	// the context deadline kills the subprocess.
	tr := NewStdioTransport(StdioConfig{Command: "sleep", Args: []string{"30"}})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := tr.Send(ctx, NewRequest(1, "ping", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send = %v, want context.DeadlineExceeded", err)
	}
}

func TestStdioTransport_StartFailure(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "/nonexistent/binary"})

	_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root", "API_KEY=old"}
	extra := map[string]string{"API_KEY": "new", "EXTRA": "1"}

	got := mergeEnv(base, extra)

	if slices.Contains(got, "API_KEY=old") {
		t.Error("inherited API_KEY not shadowed by server value")
	}
	for _, want := range []string{"PATH=/usr/bin", "HOME=/root", "API_KEY=new", "EXTRA=1"} {
		if !slices.Contains(got, want) {
			t.Errorf("merged env missing %q (got %v)", want, got)
		}
	}
}

func TestMergeEnv_Empty(t *testing.T) {
	base := []string{"PATH=/usr/bin"}
	if got := mergeEnv(base, nil); !slices.Equal(got, base) {
		t.Errorf("mergeEnv with no extras = %v, want base unchanged", got)
	}
}

func TestEnvKeys_Sorted(t *testing.T) {
	got := envKeys(map[string]string{"ZED": "1", "ALPHA": "2", "MID": "3"})
	want := []string{"ALPHA", "MID", "ZED"}
	if !slices.Equal(got, want) {
		t.Errorf("envKeys = %v, want %v", got, want)
	}
}
