package serve

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/testutil/testpg"
	"github.com/stretchr/testify/require"
)

func TestStartHTTPListenerRequiresProtocol(t *testing.T) {
	_, err := StartHTTPListener("test", config.ListenerConfig{}, http.NotFoundHandler())
	require.Error(t, err)
	require.Contains(t, err.Error(), "plaintext and/or tls")
}

func TestGenerateSelfSignedCertificate(t *testing.T) {
	cert, err := generateSelfSignedCertificate()
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Contains(t, leaf.DNSNames, "localhost")
	require.True(t, leaf.NotAfter.After(time.Now()))
}

func TestServerEndToEnd(t *testing.T) {
	dsn := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dsn
	cfg.StoreType = "postgres"
	cfg.SampleInterval = 200 * time.Millisecond
	cfg.SampleJitter = 0
	cfg.NotifyTypes = ""
	cfg.Listener.Port = 0
	cfg.Listener.EnableTLS = false
	cfg.APIKeys = map[string]string{"test-key": "test-client"}

	ctx, cancel := context.WithCancel(config.WithContext(context.Background(), &cfg))
	defer cancel()

	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		require.NoError(t, srv.Shutdown(shutdownCtx))
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Running.Port)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	requireStatus(t, resp, http.StatusOK)

	resp, err = http.Get(base + "/ready")
	require.NoError(t, err)
	requireStatus(t, resp, http.StatusOK)

	// The first sample runs immediately, but give it a moment to land.
	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, base+"/v1/health/connections", nil)
		if err != nil {
			return false
		}
		req.Header.Set("X-API-Key", "test-key")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer drainAndClose(resp)
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 100*time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, base+"/v1/health/alerts", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "test-key")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	requireStatus(t, resp, http.StatusOK)
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	defer drainAndClose(resp)
	require.Equal(t, want, resp.StatusCode)
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
