package lagoon

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UserID identifies an account, ClientID one device of that account, and
// GroupID one messaging group.  All three are 16-byte UUIDs; the GroupID
// doubles as the MLS group identifier on the wire.
type UserID uuid.UUID

type ClientID uuid.UUID

type GroupID uuid.UUID

func NewGroupID() GroupID { return GroupID(uuid.New()) }

func (u UserID) String() string   { return uuid.UUID(u).String() }
func (c ClientID) String() string { return uuid.UUID(c).String() }
func (g GroupID) String() string  { return uuid.UUID(g).String() }

func (u UserID) Bytes() []byte   { b := uuid.UUID(u); return b[:] }
func (c ClientID) Bytes() []byte { b := uuid.UUID(c); return b[:] }
func (g GroupID) Bytes() []byte  { b := uuid.UUID(g); return b[:] }

func ParseUserID(s string) (UserID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return UserID{}, fmt.Errorf("lagoon.ids: bad user id %q: %v", s, err)
	}
	return UserID(id), nil
}

func ParseClientID(s string) (ClientID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ClientID{}, fmt.Errorf("lagoon.ids: bad client id %q: %v", s, err)
	}
	return ClientID(id), nil
}

func ParseGroupID(s string) (GroupID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return GroupID{}, fmt.Errorf("lagoon.ids: bad group id %q: %v", s, err)
	}
	return GroupID(id), nil
}

func GroupIDFromBytes(b []byte) (GroupID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return GroupID{}, fmt.Errorf("lagoon.ids: bad group id: %v", err)
	}
	return GroupID(id), nil
}

const keyPackagePrefix = "keypackage_"

// KeyPackageIdentity is the credential identity embedded in every key
// package and group leaf: keypackage_<user_uuid>_<client_uuid>.
func KeyPackageIdentity(user UserID, client ClientID) string {
	return keyPackagePrefix + user.String() + "_" + client.String()
}

// ParseKeyPackageIdentity recovers the (user, client) binding from a leaf
// credential.  Identities that do not match the format are rejected, not
// guessed at.
func ParseKeyPackageIdentity(identity string) (UserID, ClientID, error) {
	rest, ok := strings.CutPrefix(identity, keyPackagePrefix)
	if !ok {
		return UserID{}, ClientID{}, fmt.Errorf("lagoon.ids: credential identity %q: %w", identity, ErrKeyPackageIdentity)
	}
	// UUIDs are fixed-width, so split at the known boundary rather than on
	// "_" (the uuid text form contains "-" only, but be strict anyway).
	if len(rest) != 36+1+36 || rest[36] != '_' {
		return UserID{}, ClientID{}, fmt.Errorf("lagoon.ids: credential identity %q: %w", identity, ErrKeyPackageIdentity)
	}
	user, err := ParseUserID(rest[:36])
	if err != nil {
		return UserID{}, ClientID{}, fmt.Errorf("lagoon.ids: credential identity %q: %w", identity, ErrKeyPackageIdentity)
	}
	client, err := ParseClientID(rest[37:])
	if err != nil {
		return UserID{}, ClientID{}, fmt.Errorf("lagoon.ids: credential identity %q: %w", identity, ErrKeyPackageIdentity)
	}
	return user, client, nil
}
