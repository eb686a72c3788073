package agent

import (
	"context"
	"iter"
)

// Invoker runs one agent call to completion.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Streamer exposes the raw event stream of an agent call.
type Streamer interface {
	Stream(ctx context.Context, req Request) iter.Seq2[*Event, error]
}

// Ensure ClaudeCLI implements both.
var (
	_ Invoker  = (*ClaudeCLI)(nil)
	_ Streamer = (*ClaudeCLI)(nil)
	_ Invoker  = (*Brain)(nil)
)
