// Package model defines the data types shared across the presence
// service: classroom and agent identifiers, the session key that ties
// a live connection to a ledger row, and the envelope types exchanged
// over the durable bus.
package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ClassroomId is an opaque identifier for a classroom. It supports
// equality and hashing only — callers must not infer structure from it.
type ClassroomId uuid.UUID

// String renders the canonical UUID representation.
func (c ClassroomId) String() string {
	return uuid.UUID(c).String()
}

// ParseClassroomId parses the canonical UUID text representation.
func ParseClassroomId(s string) (ClassroomId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ClassroomId{}, fmt.Errorf("model: parse classroom id %q: %w", s, err)
	}
	return ClassroomId(id), nil
}

// AccountId identifies the authenticated principal behind an agent:
// the token subject together with the token audience it was issued for.
type AccountId struct {
	Subject  string
	Audience string
}

// String renders AccountId as "<subject>@<audience>", matching the form
// used in logs and the testable-property examples.
func (a AccountId) String() string {
	return a.Subject + "@" + a.Audience
}

// AgentId is the composite (label, account) identity of one connected
// client. It is used as a map key; its string form is parsed back only
// by ParseAgentId, for the internal takeover endpoint.
type AgentId struct {
	Label   string
	Account AccountId
}

// String renders AgentId as "<label>/<subject>@<audience>".
func (a AgentId) String() string {
	return a.Label + "/" + a.Account.String()
}

// ParseAgentId reverses AgentId.String(), accepting the
// "<label>/<subject>@<audience>" wire form used in the internal takeover
// endpoint's session_key.agent_id field.
func ParseAgentId(s string) (AgentId, error) {
	label, rest, ok := strings.Cut(s, "/")
	if !ok {
		return AgentId{}, fmt.Errorf("model: parse agent id %q: missing label separator", s)
	}
	subject, audience, ok := strings.Cut(rest, "@")
	if !ok {
		return AgentId{}, fmt.Errorf("model: parse agent id %q: missing account separator", s)
	}
	return AgentId{Label: label, Account: AccountId{Subject: subject, Audience: audience}}, nil
}

// SessionKey uniquely identifies a presence tuple cluster-wide. Two
// concurrent live connections sharing a SessionKey are forbidden; the
// newer one must displace the older one.
type SessionKey struct {
	Agent     AgentId
	Classroom ClassroomId
}

func (k SessionKey) String() string {
	return k.Agent.String() + "@" + k.Classroom.String()
}

// SessionId is the monotonic identifier assigned by the ledger when a
// session row is inserted. It is stable for the row's lifetime and is
// reused as the corresponding history row's primary key.
type SessionId int64

// ReplicaId identifies one running process of this service, assigned
// when the process registers itself in the replica table.
type ReplicaId uuid.UUID

func (r ReplicaId) String() string {
	return uuid.UUID(r).String()
}

// NewReplicaId generates a fresh ReplicaId.
func NewReplicaId() ReplicaId {
	return ReplicaId(uuid.New())
}

// ParseReplicaId parses the canonical UUID text representation.
func ParseReplicaId(s string) (ReplicaId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ReplicaId{}, fmt.Errorf("model: parse replica id %q: %w", s, err)
	}
	return ReplicaId(id), nil
}

// Replica is one row of the replica table.
type Replica struct {
	Id    ReplicaId
	Label string
	IP    string
}

// AgentSession is one row of the agent_session table: at most one row
// may exist cluster-wide per (AgentId, ClassroomId).
type AgentSession struct {
	Id        SessionId
	Agent     AgentId
	Classroom ClassroomId
	ReplicaId ReplicaId
	StartedAt int64 // unix micros, monotonically non-decreasing per key
}

func (s AgentSession) Key() SessionKey {
	return SessionKey{Agent: s.Agent, Classroom: s.Classroom}
}

// AgentSessionHistory is one row of the agent_session_history table.
// Lifetime is the half-open range [Start, End) during which the session
// identified by Id (the originating SessionId) was live.
type AgentSessionHistory struct {
	Id        SessionId
	Agent     AgentId
	Classroom ClassroomId
	Start     int64
	End       int64
}

// AgentEventOperation names the kind of presence transition carried by
// an AgentEvent.
type AgentEventOperation string

const (
	OperationEntered AgentEventOperation = "entered"
	OperationLeft    AgentEventOperation = "left"
)

// AgentEventV1 is the tagged payload published to and consumed from the
// durable bus for one classroom. Operation says whether the agent
// entered or left; AgentId names the agent.
type AgentEventV1 struct {
	Operation AgentEventOperation `json:"operation"`
	AgentId   string              `json:"agent_id"`
}

// EventId identifies one published event for client-side wrapping.
type EventId struct {
	EntityType string `json:"entity_type"`
	Operation  string `json:"operation"`
	Sequence   uint64 `json:"sequence"`
}

// EventHeaders carries the routing metadata attached to every outgoing
// broker event, independent of the JSON payload.
type EventHeaders struct {
	SenderId   string
	ReceiverId string // empty means "all agents in the classroom"
	Internal   bool
	EventId    EventId
}

// BrokerSubject builds the bus subject for a classroom/entity-type pair,
// e.g. "classroom.<id>.agent".
func BrokerSubject(classroom ClassroomId, entityType string) string {
	return "classroom." + classroom.String() + "." + entityType
}

// BrokerWildcardSubject builds the subscription subject consumers use to
// receive every entity type published for a classroom.
func BrokerWildcardSubject(classroom ClassroomId) string {
	return "classroom." + classroom.String() + ".*"
}

// ClassroomFromSubject extracts the classroom id from a concrete subject
// of the form "classroom.<id>.<entity_type>". Returns false if the
// subject is not well-formed.
func ClassroomFromSubject(subject string) (ClassroomId, string, bool) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) != 3 || parts[0] != "classroom" {
		return ClassroomId{}, "", false
	}
	id, err := ParseClassroomId(parts[1])
	if err != nil {
		return ClassroomId{}, "", false
	}
	return id, parts[2], true
}
