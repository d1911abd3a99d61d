package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAgentIdRoundTrip(t *testing.T) {
	agent := AgentId{Label: "laptop", Account: AccountId{Subject: "alice", Audience: "class.example.com"}}

	parsed, err := ParseAgentId(agent.String())
	require.NoError(t, err)
	require.Equal(t, agent, parsed)
}

func TestParseAgentIdRejectsMalformed(t *testing.T) {
	_, err := ParseAgentId("no-slash-here")
	require.Error(t, err)

	_, err = ParseAgentId("label/no-at-sign")
	require.Error(t, err)
}

func TestClassroomIdRoundTrip(t *testing.T) {
	id, err := ParseClassroomId("4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234")
	require.NoError(t, err)
	require.Equal(t, "4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234", id.String())
}

func TestBrokerSubjects(t *testing.T) {
	id, err := ParseClassroomId("4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234")
	require.NoError(t, err)

	require.Equal(t, "classroom.4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234.agent", BrokerSubject(id, "agent"))
	require.Equal(t, "classroom.4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234.*", BrokerWildcardSubject(id))

	parsedId, entityType, ok := ClassroomFromSubject("classroom.4b7c9b2e-6e31-4f0e-9c2a-9f6a7b2e1234.agent")
	require.True(t, ok)
	require.Equal(t, id, parsedId)
	require.Equal(t, "agent", entityType)
}

func TestClassroomFromSubjectRejectsMalformed(t *testing.T) {
	_, _, ok := ClassroomFromSubject("not-a-subject")
	require.False(t, ok)
}
