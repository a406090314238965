package lagoon

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cisco/go-mls"
	"gopkg.in/op/go-logging.v1"
)

// Directory resolves user and client identity records with
// trust-on-first-use semantics.  Three ascending trust levels are
// offered; all of them pin whatever they accept into the account store
// so later full-authentication fetches can detect identity swaps.
type Directory struct {
	store  *AccountStore
	relay  *RelayClient
	scheme mls.SignatureScheme
	log    *logging.Logger
}

func NewDirectory(store *AccountStore, relay *RelayClient, scheme mls.SignatureScheme, logBackend *LogBackend) *Directory {
	return &Directory{
		store:  store,
		relay:  relay,
		scheme: scheme,
		log:    logBackend.GetLogger("lagoon/directory"),
	}
}

// GetUserNoAuth is a raw passthrough from the relay with no local
// verification and no pinning.
func (d *Directory) GetUserNoAuth(ctx context.Context, user UserID) (*UserRecord, error) {
	return d.relay.GetUser(ctx, user)
}

// GetUserPartialAuth trusts the local cache when a record exists;
// otherwise it fetches once and pins the result.
func (d *Directory) GetUserPartialAuth(ctx context.Context, user UserID) (*UserRecord, error) {
	cached, err := d.store.UserRecord(user)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	rec, err := d.relay.GetUser(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := d.store.SaveUserRecord(*rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetUserFullAuth always fetches the authoritative copy.  If a pinned
// copy exists, the identity keys must match byte for byte; a mismatch is
// how a silent identity swap is detected after TOFU.
func (d *Directory) GetUserFullAuth(ctx context.Context, user UserID) (*UserRecord, error) {
	rec, err := d.relay.GetUser(ctx, user)
	if err != nil {
		return nil, err
	}

	cached, err := d.store.UserRecord(user)
	if err != nil {
		return nil, err
	}
	if cached != nil && !bytes.Equal(cached.IdentityKey, rec.IdentityKey) {
		d.log.Errorf("identity key for user %s changed between cache and relay", user)
		return nil, fmt.Errorf("lagoon.directory: user %s: %w", user, ErrCacheDoesNotMatchAPI)
	}

	if err := d.store.SaveUserRecord(*rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetUserClientsFullAuth resolves a user with full authentication and
// returns that user's registered clients, each verified against the
// user's identity key.  A client whose signature does not verify fails
// the whole call; it must never become a member candidate.
func (d *Directory) GetUserClientsFullAuth(ctx context.Context, user UserID) (*UserRecord, []ClientRecord, error) {
	userRec, err := d.GetUserFullAuth(ctx, user)
	if err != nil {
		return nil, nil, err
	}

	clients, err := d.relay.GetUserClients(ctx, user)
	if err != nil {
		return nil, nil, err
	}

	identityKey := mls.SignaturePublicKey{Data: userRec.IdentityKey}
	for _, client := range clients {
		if client.UserID != user.String() {
			return nil, nil, fmt.Errorf("lagoon.directory: client %s claims user %s, expected %s: %w",
				client.ClientID, client.UserID, user, ErrInvalidClientSignature)
		}
		if !d.scheme.Verify(&identityKey, client.PublicKey, client.Signature) {
			d.log.Errorf("client %s of user %s failed signature verification", client.ClientID, user)
			return nil, nil, fmt.Errorf("lagoon.directory: client %s: %w", client.ClientID, ErrInvalidClientSignature)
		}
		if err := d.store.SaveClientRecord(client); err != nil {
			return nil, nil, err
		}
	}
	return userRec, clients, nil
}
