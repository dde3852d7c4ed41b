// Package downstream abstracts the JSON-RPC-over-pipe session the proxy
// holds open with the real tool provider: list the tool catalogue, call a
// named tool with arguments. The wire dialect (stdio subprocess, unix
// socket, anything line-delimited JSON-RPC) is hidden behind Client.
package downstream

import (
	"context"
	"encoding/json"

	"github.com/mchahed99/bifrost-ward/internal/runechain"
)

// Client is the downstream protocol port. Implementations own their own
// connection lifecycle; Close tears it down.
type Client interface {
	ListTools(ctx context.Context) ([]runechain.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, arguments map[string]interface{}) (json.RawMessage, error)
	Close() error
}

// Error wraps a JSON-RPC error response from the downstream provider.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
