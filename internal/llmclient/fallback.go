package llmclient

import "context"

// FallbackClient wraps an optional cloud fallback client of identical
// shape. It is only invoked by the executor after all
// local hosts for the task type have been exhausted — this type exists
// so the executor can hold "no fallback configured" and "fallback
// present" uniformly.
type FallbackClient struct {
	Client Client
	Host   string // synthetic host name used for concurrency bookkeeping; no circuit state is kept for it
}

// Enabled reports whether a fallback client was configured.
func (f *FallbackClient) Enabled() bool { return f != nil && f.Client != nil }

// Complete delegates to the wrapped client. Callers must check Enabled
// first.
func (f *FallbackClient) Complete(ctx context.Context, req Request) (Response, error) {
	req.Host = f.Host
	return f.Client.Complete(ctx, req)
}
