package lagoon

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cisco/go-mls"
	syntax "github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/op/go-logging.v1"
)

// Key packages are manufactured and uploaded in batches; peers consume
// them one at a time when adding this device to a group.
const keyPackageBatchSize = 100

// IdentityManager owns this device's signing identity and its current
// batch of one-time key packages.  The init secrets behind the batch are
// held in memory only: the protocol layer does not externalize them, so
// the batch is regenerated and bulk-replaced on every startup.
type IdentityManager struct {
	store *AccountStore
	keys  *KeyStore
	relay *RelayClient
	log   *logging.Logger

	user    UserID
	client  ClientID
	sigPriv mls.SignaturePrivateKey

	batch       []mls.KeyPackage
	initSecrets [][]byte
}

func NewIdentityManager(store *AccountStore, keys *KeyStore, relay *RelayClient, logBackend *LogBackend, user UserID) *IdentityManager {
	return &IdentityManager{
		store: store,
		keys:  keys,
		relay: relay,
		log:   logBackend.GetLogger("lagoon/identity"),
		user:  user,
	}
}

func (im *IdentityManager) UserID() UserID     { return im.user }
func (im *IdentityManager) ClientID() ClientID { return im.client }

// Register creates a fresh device signing key, has the user's identity
// key vouch for it, and registers the device with the relay.  The relay
// assigns the client identifier.
func (im *IdentityManager) Register(ctx context.Context, userIdentity mls.SignaturePrivateKey) error {
	sigPriv, err := im.keys.Scheme().Generate()
	if err != nil {
		return fmt.Errorf("lagoon.identity: signing key generation failure: %v", err)
	}

	signature, err := im.keys.Scheme().Sign(&userIdentity, sigPriv.PublicKey.Data)
	if err != nil {
		return fmt.Errorf("lagoon.identity: client signature failure: %v", err)
	}

	client, err := im.relay.RegisterClient(ctx, im.user, sigPriv.PublicKey.Data, signature)
	if err != nil {
		return err
	}

	im.client = client
	im.sigPriv = sigPriv
	if err := im.keys.SaveSignatureKey(client, sigPriv); err != nil {
		return err
	}
	im.log.Debugf("registered client %s for user %s", client, im.user)
	return nil
}

// Load restores a previously registered device identity from the key
// store.
func (im *IdentityManager) Load(client ClientID) error {
	sigPriv, ok, err := im.keys.SignatureKey(client)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("lagoon.identity: no signing key stored for client %s", client)
	}
	im.client = client
	im.sigPriv = sigPriv
	return nil
}

// RotateKey replaces the device signing key, re-vouched by the user's
// identity key.  The key package batch is republished because every
// package in it was signed by the old key.
func (im *IdentityManager) RotateKey(ctx context.Context, userIdentity mls.SignaturePrivateKey) error {
	sigPriv, err := im.keys.Scheme().Generate()
	if err != nil {
		return fmt.Errorf("lagoon.identity: signing key generation failure: %v", err)
	}
	signature, err := im.keys.Scheme().Sign(&userIdentity, sigPriv.PublicKey.Data)
	if err != nil {
		return fmt.Errorf("lagoon.identity: client signature failure: %v", err)
	}
	if err := im.relay.RotateClientKey(ctx, im.client, sigPriv.PublicKey.Data, signature); err != nil {
		return err
	}

	im.sigPriv = sigPriv
	if err := im.keys.SaveSignatureKey(im.client, sigPriv); err != nil {
		return err
	}
	return im.PublishKeyPackages(ctx)
}

// Deregister removes this device from the relay.
func (im *IdentityManager) Deregister(ctx context.Context) error {
	return im.relay.DeregisterClient(ctx, im.client)
}

// Credential returns a fresh credential bound to this device's
// keypackage identity and signing key.
func (im *IdentityManager) Credential() *mls.Credential {
	identity := []byte(KeyPackageIdentity(im.user, im.client))
	return mls.NewBasicCredential(identity, im.keys.Scheme(), im.sigPriv.PublicKey)
}

// PublishKeyPackages manufactures a full batch of one-time key packages
// and bulk-replaces this client's server-side inventory with it.  The
// per-package init secrets are expanded from one random seed and
// retained for opening Welcomes against the batch.
func (im *IdentityManager) PublishKeyPackages(ctx context.Context) error {
	seed, err := freshSecret()
	if err != nil {
		return err
	}
	expand := hkdf.New(sha256.New, seed, nil, []byte("lagoon key package batch"))

	batch := make([]mls.KeyPackage, 0, keyPackageBatchSize)
	secrets := make([][]byte, 0, keyPackageBatchSize)
	blobs := make([][]byte, 0, keyPackageBatchSize)

	for i := 0; i < keyPackageBatchSize; i++ {
		secret := make([]byte, 32)
		if _, err := io.ReadFull(expand, secret); err != nil {
			return fmt.Errorf("lagoon.identity: init secret expansion failure: %v", err)
		}
		kp, err := mls.NewKeyPackageWithSecret(im.keys.Suite(), secret, im.Credential(), im.sigPriv)
		if err != nil {
			return fmt.Errorf("lagoon.identity: key package generation failure: %v", err)
		}
		blob, err := syntax.Marshal(*kp)
		if err != nil {
			return fmt.Errorf("lagoon.identity: key package marshal failure: %v", err)
		}
		if err := im.keys.RecordKeyPackage(im.keys.Suite().Digest(blob), blob); err != nil {
			return err
		}
		batch = append(batch, *kp)
		secrets = append(secrets, secret)
		blobs = append(blobs, blob)
	}

	if err := im.relay.ReplaceKeyPackages(ctx, im.client, blobs); err != nil {
		return err
	}

	im.batch = batch
	im.initSecrets = secrets
	im.log.Debugf("published %d key packages for client %s", len(blobs), im.client)
	return nil
}

// KeyPackages exposes the current batch for matching against incoming
// Welcome messages.
func (im *IdentityManager) KeyPackages() []mls.KeyPackage {
	return im.batch
}

// JoinWelcome opens a Welcome against the current batch and returns the
// joined group state.
func (im *IdentityManager) JoinWelcome(welcome mls.Welcome) (*mls.State, error) {
	var lastErr error
	for i := range im.batch {
		state, err := mls.NewJoinedState(im.initSecrets[i], []mls.SignaturePrivateKey{im.sigPriv}, im.batch[i:i+1], welcome)
		if err != nil {
			lastErr = err
			continue
		}
		return state, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no key packages in batch")
	}
	return nil, fmt.Errorf("lagoon.identity: welcome join failure: %v", lastErr)
}

// ValidateKeyPackage checks a fetched peer key package: the protocol
// version and cipher suite must match what this device speaks, and the
// embedded credential identity must bind to (user, client).
func (im *IdentityManager) ValidateKeyPackage(kp *mls.KeyPackage, user UserID, client ClientID) error {
	if kp.Version != mls.ProtocolVersionMLS10 || kp.CipherSuite != im.keys.Suite() {
		return fmt.Errorf("lagoon.identity: key package for client %s: %w", client, ErrKeyPackageVersion)
	}
	return ValidateKeyPackageIdentity(kp, user, client)
}

// ValidateKeyPackageIdentity checks only the credential binding; the
// relay applies the same check before accepting an uploaded batch.
func ValidateKeyPackageIdentity(kp *mls.KeyPackage, user UserID, client ClientID) error {
	identity := string(kp.Credential.Identity())
	gotUser, gotClient, err := ParseKeyPackageIdentity(identity)
	if err != nil {
		return err
	}
	if gotUser != user || gotClient != client {
		return fmt.Errorf("lagoon.identity: key package identity %q does not bind client %s: %w",
			identity, client, ErrKeyPackageIdentity)
	}
	return nil
}
