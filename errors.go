package lagoon

import "errors"

// Error taxonomy surfaced by the engine.  Authentication failures get
// their own sentinels so a caller can tell "attack suspected" from
// "transient failure".
var (
	// ErrInvalidClientSignature means a client record's signing key did
	// not verify under its user's identity key.
	ErrInvalidClientSignature = errors.New("invalid client signature")

	// ErrCacheDoesNotMatchAPI means a fully-authenticated directory fetch
	// disagreed with the locally pinned copy of the same identity.
	ErrCacheDoesNotMatchAPI = errors.New("cached identity does not match api")

	// ErrUnexpectedWelcome means a remove operation produced new-member
	// material, which must never happen.
	ErrUnexpectedWelcome = errors.New("unexpected welcome message")

	// ErrUnsupportedProposal means an external-join or otherwise
	// non-member proposal arrived; no handling policy exists for these.
	ErrUnsupportedProposal = errors.New("unsupported proposal sender")

	// ErrKeyPackageIdentity means a key package's embedded credential
	// identity does not match the client it was fetched for.
	ErrKeyPackageIdentity = errors.New("key package identity mismatch")

	// ErrKeyPackageVersion means a fetched key package advertises a
	// protocol version or cipher suite this device does not speak.
	ErrKeyPackageVersion = errors.New("key package version mismatch")

	ErrNoSuchGroup    = errors.New("no such group")
	ErrNoSuchInstance = errors.New("no such instance")
)
