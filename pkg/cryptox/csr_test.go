package cryptox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildCSRRoundTrip(t *testing.T) {
	key, err := GenerateDeviceKey(KeyEC, 0)
	require.NoError(t, err)

	pemData, err := BuildCSR(CSRTemplate{
		CommonName:   "alice",
		Organization: "Perimetra",
		DeviceID:     "dev-42",
	}, key)
	require.NoError(t, err)
	require.Contains(t, string(pemData), "CERTIFICATE REQUEST")

	csr, err := ParseCSR(pemData)
	require.NoError(t, err)
	require.Equal(t, "alice", csr.Subject.CommonName)
	require.Equal(t, []string{"Perimetra"}, csr.Subject.Organization)
	require.Equal(t, []string{"dev-42"}, csr.Subject.OrganizationalUnit)
}

func TestBuildCSRValidation(t *testing.T) {
	key, err := GenerateDeviceKey(KeyEC, 0)
	require.NoError(t, err)

	t.Run("missing common name", func(t *testing.T) {
		_, err := BuildCSR(CSRTemplate{DeviceID: "dev-1"}, key)
		require.Error(t, err)
	})

	t.Run("missing device id", func(t *testing.T) {
		_, err := BuildCSR(CSRTemplate{CommonName: "alice"}, key)
		require.Error(t, err)
	})
}

func TestParseCSRGarbage(t *testing.T) {
	_, err := ParseCSR([]byte("garbage"))
	require.Error(t, err)
}
