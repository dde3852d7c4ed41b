package downstream

import (
	"context"
	"runtime"
	"testing"
	"time"
)

// These tests drive a tiny shell one-liner so they exercise the real
// subprocess + pipe plumbing rather than a fake. They're skipped on
// Windows, which has no POSIX shell.
func TestStdioClient_ListToolsRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	script := `while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"list_files","description":"lists files","version":"1.0.0"}]}}\n' "$id"
done`

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := NewStdioClient(ctx, "sh", "-c", script)
	if err != nil {
		t.Fatalf("start client: %v", err)
	}
	defer c.Close()

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "list_files" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestStdioClient_CallToolError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	script := `while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"tool not found"}}\n' "$id"
done`

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := NewStdioClient(ctx, "sh", "-c", script)
	if err != nil {
		t.Fatalf("start client: %v", err)
	}
	defer c.Close()

	_, err = c.CallTool(ctx, "does_not_exist", nil)
	if err == nil {
		t.Fatal("expected an error for an unknown tool")
	}
}
