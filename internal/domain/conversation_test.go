package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationIDSymmetric(t *testing.T) {
	a := uuid.New()
	b := uuid.New()

	assert.Equal(t, ConversationID(a, b), ConversationID(b, a))
}

func TestConversationIDDeterministic(t *testing.T) {
	a := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	b := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	// Lower id always comes first regardless of argument order
	want := a.String() + "__" + b.String()
	assert.Equal(t, want, ConversationID(a, b))
	assert.Equal(t, want, ConversationID(b, a))
}

func TestParticipantIDsRoundTrip(t *testing.T) {
	a := uuid.New()
	b := uuid.New()

	first, second, ok := ParticipantIDs(ConversationID(a, b))
	require.True(t, ok)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, []uuid.UUID{first, second})
}

func TestParticipantIDsRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "abc", "abc__def", uuid.New().String()} {
		_, _, ok := ParticipantIDs(id)
		assert.False(t, ok, "id %q should not parse", id)
	}
}

func TestOtherParticipant(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	convID := ConversationID(a, b)

	other, ok := OtherParticipant(convID, a)
	require.True(t, ok)
	assert.Equal(t, b, other)

	other, ok = OtherParticipant(convID, b)
	require.True(t, ok)
	assert.Equal(t, a, other)

	_, ok = OtherParticipant(convID, uuid.New())
	assert.False(t, ok)
}
