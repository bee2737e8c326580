package listener

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codechat/credman/internal/autherr"
)

func startListener(t *testing.T) *Listener {
	t.Helper()
	l := New(0, "")
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)
	return l
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCallbackResolves(t *testing.T) {
	l := startListener(t)

	resp := get(t, l.RedirectURI()+"?code=abc&state=xyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	result, err := l.Wait(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", result.Code)
	assert.Equal(t, "xyz", result.State)
	assert.False(t, result.IsError())
}

func TestSecondRequestDoesNotReResolve(t *testing.T) {
	l := startListener(t)

	first := get(t, l.RedirectURI()+"?code=first&state=s1")
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := get(t, l.RedirectURI()+"?code=second&state=s2")
	assert.Equal(t, http.StatusConflict, second.StatusCode)

	result, err := l.Wait(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", result.Code, "the first arriving request wins")
}

func TestProviderErrorIsDelivered(t *testing.T) {
	l := startListener(t)

	get(t, l.RedirectURI()+"?error=access_denied&error_description=user+said+no")

	result, err := l.Wait(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, result.IsError())
	assert.Equal(t, "access_denied", result.Error)
	assert.Equal(t, "user said no", result.ErrorDescription)
}

func TestNonCallbackPathIgnored(t *testing.T) {
	l := startListener(t)

	resp := get(t, fmt.Sprintf("http://localhost:%d/favicon.ico", l.Port()))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The favicon fetch must not consume the single resolution.
	get(t, l.RedirectURI()+"?code=abc")
	result, err := l.Wait(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", result.Code)
}

func TestTimeoutReleasesPort(t *testing.T) {
	l := startListener(t)
	port := l.Port()

	_, err := l.Wait(context.Background(), 20*time.Millisecond)
	var timeoutErr *autherr.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	// The port must be immediately reusable by a new listener.
	replacement := New(port, "")
	require.NoError(t, replacement.Start())
	replacement.Stop()
}

func TestBindConflict(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	l := New(port, "")
	err = l.Start()
	var portErr *autherr.PortInUseError
	require.ErrorAs(t, err, &portErr)
}

func TestContextCancelReleasesPort(t *testing.T) {
	l := startListener(t)
	port := l.Port()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Wait(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	replacement := New(port, "")
	require.NoError(t, replacement.Start())
	replacement.Stop()
}

func TestRequestCap(t *testing.T) {
	l := startListener(t)

	// First request resolves, the rest are conflicts until the cap trips.
	get(t, l.RedirectURI()+"?code=abc")
	for i := 0; i < maxRequests-1; i++ {
		get(t, l.RedirectURI())
	}

	resp := get(t, l.RedirectURI())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
