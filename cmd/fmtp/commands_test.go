package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/fmtp/internal/api"
	"github.com/aridsondez/fmtp/internal/auth"
	"github.com/aridsondez/fmtp/internal/engine"
	"github.com/aridsondez/fmtp/internal/queue/store/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	opts := engine.Options{Logger: zerolog.Nop()}
	st := memory.New()
	h := api.NewHandler(engine.NewMessageEngine(st, opts), engine.NewQueueEngine(st, opts), api.Options{Logger: zerolog.Nop()})
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FMTP_ENDPOINT", "")
	t.Setenv("FMTP_CREDENTIALS", "")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPushAndPull(t *testing.T) {
	ts := newTestServer(t)
	endpoint := ts.URL + "/orders/"

	src := filepath.Join(t.TempDir(), "report_1")
	require.NoError(t, os.WriteFile(src, []byte("quarterly numbers"), 0o644))

	out, err := execute(t, "", "push", "-e", endpoint, "-f", src)
	require.NoError(t, err)
	assert.Contains(t, out, "as report_1")

	_, err = execute(t, "", "push", "-e", endpoint, "-f", src)
	assert.Error(t, err, "the same guid cannot be posted twice")

	_, err = execute(t, "from stdin", "push", "-e", endpoint, "-f", "-", "-g", "piped", "-t", "text/plain")
	require.NoError(t, err)

	dir := t.TempDir()
	out, err = execute(t, "", "pull", "-e", endpoint, "-d", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "acknowledged 2 message(s)")

	got, err := os.ReadFile(filepath.Join(dir, "report_1"))
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(got))
	got, err = os.ReadFile(filepath.Join(dir, "piped"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", string(got))

	out, err = execute(t, "", "pull", "-e", endpoint, "-d", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "acknowledged 0 message(s)")
}

func TestPushStdinGeneratesGUID(t *testing.T) {
	ts := newTestServer(t)
	endpoint := ts.URL + "/orders/"

	_, err := execute(t, "body", "push", "-e", endpoint, "-f", "-")
	require.NoError(t, err)

	out, err := execute(t, "", "inspect", "-e", endpoint)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "application/octet-stream")
}

func TestPullFollowStopsOnCancel(t *testing.T) {
	ts := newTestServer(t)
	endpoint := ts.URL + "/orders/"
	_, err := execute(t, "payload", "push", "-e", endpoint, "-f", "-", "-g", "m1")
	require.NoError(t, err)

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"pull", "--follow", "-e", endpoint, "-d", dir})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "m1"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pull --follow did not stop")
	}
}

func TestInspectAndGC(t *testing.T) {
	ts := newTestServer(t)
	endpoint := ts.URL + "/jobs/"

	_, err := execute(t, "one", "push", "-e", endpoint, "-f", "-", "-g", "a")
	require.NoError(t, err)
	_, err = execute(t, "", "pull", "-e", endpoint, "-d", t.TempDir())
	require.NoError(t, err)

	out, err := execute(t, "", "inspect", "-e", endpoint)
	require.NoError(t, err)
	assert.Contains(t, out, "GUID")
	assert.Regexp(t, `a\s+\S+\s+\d{4}-`, out, "acknowledged message shows its deletion time")

	out, err = execute(t, "", "gc", "-e", endpoint)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 0 message(s) from jobs")
}

func TestEndpointRequired(t *testing.T) {
	for _, args := range [][]string{{"push", "-f", "-"}, {"pull"}, {"gc"}, {"inspect"}} {
		t.Run(args[0], func(t *testing.T) {
			_, err := execute(t, "", args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "endpoint")
		})
	}
}

func TestSplitEndpoint(t *testing.T) {
	g := &globalFlags{endpoint: "http://example.com/base/orders/"}
	base, name, err := g.split()
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/base", base)
	assert.Equal(t, "orders", name)

	g.endpoint = "http://example.com/"
	_, _, err = g.split()
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	out, err := execute(t, "", "token", "--secret", "s3cret", "--subject", "ci", "-q", "orders", "-q", "jobs", "--admin")
	require.NoError(t, err)

	claims, err := auth.ValidateToken([]byte("s3cret"), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
	assert.Equal(t, []string{"orders", "jobs"}, claims.Queues)
	assert.True(t, claims.Admin)

	_, err = execute(t, "", "token", "--subject", "ci")
	assert.Error(t, err)
}
