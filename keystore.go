package lagoon

import (
	"fmt"

	"github.com/cisco/go-mls"
	syntax "github.com/cisco/go-tls-syntax"
)

// EntityKind tags the cryptographic entities kept in the key-value
// store.
type EntityKind uint8

const (
	EntitySignatureKeyPair  EntityKind = 1
	EntityHPKEPrivateKey    EntityKind = 2
	EntityKeyPackage        EntityKind = 3
	EntityPSKBundle         EntityKind = 4
	EntityEncryptionKeyPair EntityKind = 5
	EntityGroupState        EntityKind = 6
)

// KeyStore binds the randomness source, the fixed cipher suite and the
// durable key-value store into the provider surface the MLS layer and
// the engine need.  It carries no policy of its own.
type KeyStore struct {
	store  *AccountStore
	suite  mls.CipherSuite
	scheme mls.SignatureScheme
}

func NewKeyStore(store *AccountStore) *KeyStore {
	return &KeyStore{
		store:  store,
		suite:  mls.X25519_AES128GCM_SHA256_Ed25519,
		scheme: mls.Ed25519,
	}
}

func (ks *KeyStore) Suite() mls.CipherSuite      { return ks.suite }
func (ks *KeyStore) Scheme() mls.SignatureScheme { return ks.scheme }

///
/// Signature identity
///

type signatureKeyBlob struct {
	PrivateKey []byte `tls:"head=2"`
	PublicKey  []byte `tls:"head=2"`
}

func (ks *KeyStore) SaveSignatureKey(client ClientID, priv mls.SignaturePrivateKey) error {
	blob, err := syntax.Marshal(signatureKeyBlob{
		PrivateKey: priv.Data,
		PublicKey:  priv.PublicKey.Data,
	})
	if err != nil {
		return fmt.Errorf("lagoon.keystore: signature key marshal failure: %v", err)
	}
	return ks.store.PutValue(EntitySignatureKeyPair, client.Bytes(), blob)
}

// SignatureKey loads the device signing identity, or ok=false when the
// device has none yet.
func (ks *KeyStore) SignatureKey(client ClientID) (mls.SignaturePrivateKey, bool, error) {
	value, err := ks.store.GetValue(EntitySignatureKeyPair, client.Bytes())
	if err != nil {
		return mls.SignaturePrivateKey{}, false, err
	}
	if value == nil {
		return mls.SignaturePrivateKey{}, false, nil
	}
	var blob signatureKeyBlob
	if _, err := syntax.Unmarshal(value, &blob); err != nil {
		return mls.SignaturePrivateKey{}, false, fmt.Errorf("lagoon.keystore: signature key unmarshal failure: %v", err)
	}
	return mls.SignaturePrivateKey{
		Data:      blob.PrivateKey,
		PublicKey: mls.SignaturePublicKey{Data: blob.PublicKey},
	}, true, nil
}

///
/// Group state blobs
///
/// A group's MLS state splits into the public tree/transcript part,
/// which State marshals directly, and the secret part carried by the
/// StateSecrets accessor pair the library provides for exactly this
/// purpose.  Both halves are TLS-serialized into one blob keyed by the
/// group id.
///

type groupStateBlob struct {
	Public  []byte `tls:"head=4"`
	Secrets []byte `tls:"head=4"`
}

func (ks *KeyStore) SerializeState(state *mls.State) ([]byte, error) {
	public, err := syntax.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("lagoon.keystore: state marshal failure: %v", err)
	}
	secrets, err := syntax.Marshal(state.GetSecrets())
	if err != nil {
		return nil, fmt.Errorf("lagoon.keystore: state secrets marshal failure: %v", err)
	}
	return syntax.Marshal(groupStateBlob{Public: public, Secrets: secrets})
}

func (ks *KeyStore) RestoreState(blob []byte) (*mls.State, error) {
	var outer groupStateBlob
	if _, err := syntax.Unmarshal(blob, &outer); err != nil {
		return nil, fmt.Errorf("lagoon.keystore: state blob unmarshal failure: %v", err)
	}

	state := new(mls.State)
	if _, err := syntax.Unmarshal(outer.Public, state); err != nil {
		return nil, fmt.Errorf("lagoon.keystore: state unmarshal failure: %v", err)
	}
	var secrets mls.StateSecrets
	if _, err := syntax.Unmarshal(outer.Secrets, &secrets); err != nil {
		return nil, fmt.Errorf("lagoon.keystore: state secrets unmarshal failure: %v", err)
	}
	state.SetSecrets(secrets)
	// The tree's suite is not part of the serialized form.
	state.Tree.Suite = state.CipherSuite
	if err := ks.rewireKeySources(state); err != nil {
		return nil, err
	}
	return state, nil
}

// rewireKeySources reattaches the derived key-source accessors of the
// restored epoch.  The marshaled key schedule carries its base keys and
// per-sender ratchets but omits the accessor wrappers, which only a
// state constructor creates; wrappers are taken from a scratch state and
// pointed at the restored data.
func (ks *KeyStore) rewireKeySources(state *mls.State) error {
	secret, err := freshSecret()
	if err != nil {
		return err
	}
	sigPriv, err := ks.scheme.Generate()
	if err != nil {
		return fmt.Errorf("lagoon.keystore: scratch signing key failure: %v", err)
	}
	cred := mls.NewBasicCredential([]byte("scratch"), ks.scheme, sigPriv.PublicKey)
	kp, err := mls.NewKeyPackageWithSecret(ks.suite, secret, cred, sigPriv)
	if err != nil {
		return fmt.Errorf("lagoon.keystore: scratch key package failure: %v", err)
	}
	donor, err := mls.NewEmptyState([]byte("scratch"), secret, sigPriv, *kp)
	if err != nil {
		return fmt.Errorf("lagoon.keystore: scratch state failure: %v", err)
	}

	hk := donor.Keys.HandshakeKeys
	hk.Base = state.Keys.HandshakeBaseKeys
	hk.Ratchets = state.Keys.HandshakeRatchets
	state.Keys.HandshakeKeys = hk

	ak := donor.Keys.ApplicationKeys
	ak.Base = state.Keys.ApplicationBaseKeys
	ak.Ratchets = state.Keys.ApplicationRatchets
	state.Keys.ApplicationKeys = ak
	return nil
}

func (ks *KeyStore) SaveGroupState(group GroupID, state *mls.State) error {
	blob, err := ks.SerializeState(state)
	if err != nil {
		return err
	}
	return ks.store.PutValue(EntityGroupState, group.Bytes(), blob)
}

func (ks *KeyStore) GroupState(group GroupID) (*mls.State, error) {
	blob, err := ks.store.GetValue(EntityGroupState, group.Bytes())
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, fmt.Errorf("lagoon.keystore: group %s: %w", group, ErrNoSuchGroup)
	}
	return ks.RestoreState(blob)
}

///
/// Key packages
///
/// The public half of every generated key package is recorded under its
/// cipher-suite hash so uploads can be audited; the init secrets behind
/// them live only in the identity manager's in-memory batch (the
/// protocol layer does not externalize them).
///

func (ks *KeyStore) RecordKeyPackage(hash, public []byte) error {
	return ks.store.PutValue(EntityKeyPackage, hash, public)
}

func (ks *KeyStore) DeleteKeyPackage(hash []byte) error {
	return ks.store.DeleteValue(EntityKeyPackage, hash)
}
