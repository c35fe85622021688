package tlsutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedProducesLoadablePair(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSigned([]string{"localhost", "127.0.0.1"})
	require.NoError(t, err)
	require.NotEmpty(t, certPEM)
	require.NotEmpty(t, keyPEM)
}

func TestLoadOrGenerateWritesAndReusesFiles(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	first, err := LoadOrGenerate(certPath, keyPath, []string{"localhost"})
	require.NoError(t, err)
	require.FileExists(t, certPath)
	require.FileExists(t, keyPath)

	second, err := LoadOrGenerate(certPath, keyPath, []string{"localhost"})
	require.NoError(t, err)
	require.Equal(t, first.Certificate, second.Certificate)
}

func TestLoadOrGenerateWithNoPathsGeneratesEphemeralCert(t *testing.T) {
	cert, err := LoadOrGenerate("", "", []string{"localhost"})
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)
}
