package httpapi

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/srg/blesense/internal/storage"
	"github.com/srg/blesense/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerGracefulShutdown(t *testing.T) {
	h := testutils.NewTestHelper(t)
	ctx, cancel := context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(Options{ShutdownTimeout: time.Second}, &failingStore{err: storage.ErrOther}, fakeStatus{}, h.Logger)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/status")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "Server is up and running!", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancelled server MUST stop cleanly")
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerDefaults(t *testing.T) {
	srv := NewServer(Options{}, nil, nil, nil)
	assert.Equal(t, "0.0.0.0:8000", srv.opts.Listen)
	assert.Equal(t, 60*time.Second, srv.opts.ShutdownTimeout)
}
