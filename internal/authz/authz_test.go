package authz

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/primal-host/classroom-presence/internal/config"
)

func TestResolveAudienceLongestSuffixWins(t *testing.T) {
	table := []config.AuthzPrefixEntry{
		{Suffix: "example.com", Audience: "generic"},
		{Suffix: "classrooms.example.com", Audience: "classrooms-specific"},
	}

	require.Equal(t, "classrooms-specific", ResolveAudience(table, "math.classrooms.example.com"))
	require.Equal(t, "generic", ResolveAudience(table, "other.example.com"))
}

func TestResolveAudienceFallsBackToRaw(t *testing.T) {
	require.Equal(t, "unmatched.test", ResolveAudience(nil, "unmatched.test"))
}

func TestResolveAudienceRejectsPartialSegmentMatch(t *testing.T) {
	table := []config.AuthzPrefixEntry{
		{Suffix: "example.com", Audience: "should-not-match"},
	}
	require.Equal(t, "badexample.com", ResolveAudience(table, "badexample.com"))
}
