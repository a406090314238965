package lagoon

import (
	"context"
	"fmt"
	"sync"

	"github.com/cisco/go-mls"
)

// Config carries everything needed to open an account instance.
type Config struct {
	// DataDir is the directory holding the shared application database
	// and the per-account databases.
	DataDir string

	// RelayURL is the base URL of the relay, RelayToken its bearer
	// token.
	RelayURL   string
	RelayToken string

	// LogFile receives log output; empty means stdout.  DisableLog
	// silences logging entirely.
	LogFile    string
	LogLevel   string
	DisableLog bool
}

// Instance bundles one account's open stores and subsystems.  Embedding
// applications hold instances through the InstanceTable and address them
// by handle.
type Instance struct {
	App       *AppStore
	Account   *AccountStore
	Keys      *KeyStore
	Identity  *IdentityManager
	Directory *Directory
	Relay     *RelayClient
	Engine    *Engine

	logBackend *LogBackend
}

// OpenInstance opens the stores for the given user and wires the
// subsystems together.  If the account is already registered its device
// identity is loaded; otherwise Register must be called before group
// operations.
func OpenInstance(cfg Config, user UserID) (*Instance, error) {
	backend, err := NewLogBackend(cfg.LogFile, cfg.LogLevel, cfg.DisableLog)
	if err != nil {
		return nil, err
	}
	app, err := OpenAppStore(cfg.DataDir)
	if err != nil {
		backend.Close()
		return nil, err
	}
	account, err := OpenAccountStore(cfg.DataDir, user)
	if err != nil {
		app.Close()
		backend.Close()
		return nil, err
	}

	keys := NewKeyStore(account)
	relay := NewRelayClient(cfg.RelayURL, cfg.RelayToken)
	identity := NewIdentityManager(account, keys, relay, backend, user)

	activeUser, client, ok, err := app.ActiveAccount()
	if err != nil {
		account.Close()
		app.Close()
		backend.Close()
		return nil, err
	}
	if ok && activeUser == user {
		if err := identity.Load(client); err != nil {
			account.Close()
			app.Close()
			backend.Close()
			return nil, err
		}
	}

	directory := NewDirectory(account, relay, keys.Scheme(), backend)
	engine := NewEngine(account, keys, identity, directory, relay, backend)

	return &Instance{
		App:        app,
		Account:    account,
		Keys:       keys,
		Identity:   identity,
		Directory:  directory,
		Relay:      relay,
		Engine:     engine,
		logBackend: backend,
	}, nil
}

// Register enrolls this device under the user identity, marks the
// account active and publishes the initial key package inventory.
func (i *Instance) Register(ctx context.Context, userIdentity mls.SignaturePrivateKey) error {
	if err := i.Identity.Register(ctx, userIdentity); err != nil {
		return err
	}
	if err := i.App.SetActiveAccount(i.Identity.UserID(), i.Identity.ClientID()); err != nil {
		return err
	}
	return i.Identity.PublishKeyPackages(ctx)
}

// Start republishes the key package inventory.  Call it once per process
// start on a registered instance: the held init keys are new, so the
// server-side inventory must be replaced before anyone consumes from it.
func (i *Instance) Start(ctx context.Context) error {
	return i.Identity.PublishKeyPackages(ctx)
}

func (i *Instance) Close() error {
	errAccount := i.Account.Close()
	errApp := i.App.Close()
	errLog := i.logBackend.Close()
	if errAccount != nil {
		return errAccount
	}
	if errApp != nil {
		return errApp
	}
	return errLog
}

// InstanceTable maps integer handles to open instances for embedders
// that cannot hold Go pointers across their boundary.
type InstanceTable struct {
	mu    sync.Mutex
	next  int32
	items map[int32]*Instance
}

func NewInstanceTable() *InstanceTable {
	return &InstanceTable{items: map[int32]*Instance{}}
}

// Add stores the instance and returns its handle.
func (t *InstanceTable) Add(inst *Instance) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.items[t.next] = inst
	return t.next
}

// Get resolves a handle.
func (t *InstanceTable) Get(handle int32) (*Instance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst, ok := t.items[handle]
	if !ok {
		return nil, fmt.Errorf("lagoon.instance: handle %d: %w", handle, ErrNoSuchInstance)
	}
	return inst, nil
}

// Remove drops the handle and closes the instance.
func (t *InstanceTable) Remove(handle int32) error {
	t.mu.Lock()
	inst, ok := t.items[handle]
	delete(t.items, handle)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("lagoon.instance: handle %d: %w", handle, ErrNoSuchInstance)
	}
	return inst.Close()
}
