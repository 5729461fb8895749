package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPairKey(t *testing.T) {
	assert.Equal(t, "a1_b2", PairKey("a1", "b2"))
	assert.Equal(t, PairKey("a1", "b2"), PairKey("b2", "a1"))
	assert.Equal(t, [2]string{"a1", "b2"}, sortPair("b2", "a1"))
}

func TestNewId(t *testing.T) {
	a, b := NewId(), NewId()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "-")
}

func TestConversationPeer(t *testing.T) {
	c := &Conversation{Participants: sortPair("bob", "alice")}
	assert.Equal(t, "bob", c.Peer("alice"))
	assert.Equal(t, "alice", c.Peer("bob"))
	assert.Equal(t, "", c.Peer("carol"))
	assert.True(t, c.HasParticipant("bob"))
	assert.False(t, c.HasParticipant("carol"))
}
