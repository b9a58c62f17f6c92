package collab

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// a signed session token carrying the participant identity.
// sessions parse it unverified. The relay verifies the signature when it is
// configured with the shared secret
type SessionAuth struct {
	Token string
}

func ParseSessionTokenUnverified(token string) (*Identity, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	return identityFromClaims(parsed.Claims.(gojwt.MapClaims))
}

func VerifySessionToken(token string, secret []byte) (*Identity, error) {
	parsed, err := gojwt.Parse(
		token,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}

	return identityFromClaims(parsed.Claims.(gojwt.MapClaims))
}

func MintSessionToken(identity *Identity, secret []byte) (string, error) {
	claims := gojwt.MapClaims{
		"user_id":      identity.UserId,
		"display_name": identity.DisplayName,
	}
	if identity.AvatarRef != "" {
		claims["avatar_ref"] = identity.AvatarRef
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func identityFromClaims(claims gojwt.MapClaims) (*Identity, error) {
	identity := &Identity{}

	if userId, ok := claims["user_id"]; ok {
		identity.UserId, _ = userId.(string)
	}
	if identity.UserId == "" {
		return nil, fmt.Errorf("session token missing user_id")
	}
	if displayName, ok := claims["display_name"]; ok {
		identity.DisplayName, _ = displayName.(string)
	}
	if avatarRef, ok := claims["avatar_ref"]; ok {
		identity.AvatarRef, _ = avatarRef.(string)
	}

	return identity, nil
}

// consulted, not enforced, before exposing lock affordances.
// lock messages from peers are applied regardless
type PermissionChecker interface {
	CanLock(identity *Identity, key ResourceKey) bool
}

type AllowAllPermissions struct{}

func (self *AllowAllPermissions) CanLock(identity *Identity, key ResourceKey) bool {
	return true
}
