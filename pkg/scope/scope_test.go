package scope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyForms(t *testing.T) {
	require.Equal(t, "global", Global().Key())
	require.Equal(t, "company:c1", ForCompany("c1").Key())
	require.Equal(t, "month:2026-08", Scope{Month: "2026-08"}.Key())

	at := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	require.Equal(t, "company:c1:month:2026-08", ForCompanyMonth("c1", at, time.UTC).Key())
}

func TestParseRoundTrip(t *testing.T) {
	for _, key := range []string{
		"global",
		"company:c1",
		"month:2026-08",
		"company:c1:month:2026-08",
	} {
		sc, err := Parse(key)
		require.NoError(t, err)
		require.Equal(t, key, sc.Key())
	}
}

func TestParseRejectsUnknownForms(t *testing.T) {
	for _, key := range []string{"", "company", "actor:a1", "company:c1:week:33"} {
		_, err := Parse(key)
		require.Error(t, err)
	}
}
