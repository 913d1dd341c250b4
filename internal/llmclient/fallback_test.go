package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	resp Response
	err  error
	got  Request
}

func (s *stubClient) Complete(ctx context.Context, req Request) (Response, error) {
	s.got = req
	return s.resp, s.err
}

func TestFallbackClientDisabledWithoutWrappedClient(t *testing.T) {
	var f *FallbackClient
	assert.False(t, f.Enabled())

	f = &FallbackClient{}
	assert.False(t, f.Enabled())
}

func TestFallbackClientEnabledWithWrappedClient(t *testing.T) {
	f := &FallbackClient{Client: &stubClient{}}
	assert.True(t, f.Enabled())
}

func TestFallbackClientCompleteOverridesHost(t *testing.T) {
	stub := &stubClient{resp: Response{Text: "from fallback"}}
	f := &FallbackClient{Client: stub, Host: "cloud-fallback"}

	resp, err := f.Complete(context.Background(), Request{Host: "local-host", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Text)
	assert.Equal(t, "cloud-fallback", stub.got.Host)
}
