package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	secret := []byte("relay secret")
	identity := &Identity{
		UserId:      "alice",
		DisplayName: "Alice",
		AvatarRef:   "avatars/alice.png",
	}

	token, err := MintSessionToken(identity, secret)
	assert.Equal(t, err, nil)

	parsed, err := ParseSessionTokenUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, identity)

	verified, err := VerifySessionToken(token, secret)
	assert.Equal(t, err, nil)
	assert.Equal(t, verified, identity)

	_, err = VerifySessionToken(token, []byte("wrong secret"))
	assert.NotEqual(t, err, nil)

	_, err = ParseSessionTokenUnverified("not a token")
	assert.NotEqual(t, err, nil)
}

func TestSessionTokenMissingUserId(t *testing.T) {
	secret := []byte("relay secret")
	token, err := MintSessionToken(&Identity{DisplayName: "Nobody"}, secret)
	assert.Equal(t, err, nil)

	_, err = ParseSessionTokenUnverified(token)
	assert.NotEqual(t, err, nil)
}
