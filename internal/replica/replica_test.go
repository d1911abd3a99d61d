package replica

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectIPPrefersPodIP(t *testing.T) {
	t.Setenv("POD_IP", "10.0.0.5")

	ip, err := detectIP()
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", ip)
}

func TestDetectIPFallsBackToInterfaceAddr(t *testing.T) {
	t.Setenv("POD_IP", "")

	ip, err := detectIP()
	require.NoError(t, err)
	require.NotEmpty(t, ip)
}
