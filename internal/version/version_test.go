package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfo(t *testing.T) {
	info := Info{Version: "1.2.0", Commit: "0123456789abcdef", BuildDate: "2024-05-01"}
	require.Equal(t, "1.2.0 (commit: 0123456)", info.String())
	require.Equal(t, "dev (commit: unknown)", Get().String())
	require.Equal(t, "ampview/dev", UserAgent("ampview"))
}
