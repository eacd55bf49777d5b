package collector

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	base := errors.New("connection refused")
	tagged := WrapError(KindConnection, "fetch index", base)

	require.Equal(t, KindConnection, KindOf(tagged))
	require.Equal(t, KindConnection, KindOf(fmt.Errorf("execute: %w", tagged)))
	require.Equal(t, KindUnknown, KindOf(base))
	require.ErrorIs(t, tagged, base)
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := WrapError(KindParsing, "parse table", errors.New("no table found"))
	require.Equal(t, "parse table: no table found", err.Error())

	bare := &Error{Kind: KindStorage, Op: "upsert"}
	require.Equal(t, "upsert: storage error", bare.Error())
}

func TestFrequencyValid(t *testing.T) {
	t.Parallel()

	for _, f := range []Frequency{FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyManual} {
		require.True(t, f.Valid())
	}
	require.False(t, Frequency("fortnightly").Valid())
}
