package lagoon

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/cisco/go-mls"
	syntax "github.com/cisco/go-tls-syntax"
	"gopkg.in/op/go-logging.v1"
)

// Engine is the per-account group state machine.  It turns application
// intents into ordered MLS protocol messages, reconciles incoming
// traffic (inbox.go) and persists every state transition through the
// key store before reporting success.
//
// Operations on different groups may interleave; operations on the same
// group are serialized by a per-group lock.
type Engine struct {
	store     *AccountStore
	keys      *KeyStore
	identity  *IdentityManager
	directory *Directory
	relay     *RelayClient
	transport Transport
	log       *logging.Logger

	mu         sync.Mutex
	groupLocks map[GroupID]*sync.Mutex
}

func NewEngine(store *AccountStore, keys *KeyStore, identity *IdentityManager, directory *Directory, relay *RelayClient, logBackend *LogBackend) *Engine {
	return &Engine{
		store:      store,
		keys:       keys,
		identity:   identity,
		directory:  directory,
		relay:      relay,
		transport:  relay,
		log:        logBackend.GetLogger("lagoon/engine"),
		groupLocks: map[GroupID]*sync.Mutex{},
	}
}

// lockGroup serializes mutating operations per group identifier.
func (e *Engine) lockGroup(id GroupID) func() {
	e.mu.Lock()
	l, ok := e.groupLocks[id]
	if !ok {
		l = new(sync.Mutex)
		e.groupLocks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) loadGroup(id GroupID) (*Group, error) {
	rec, err := e.store.Group(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("lagoon.engine: group %s: %w", id, ErrNoSuchGroup)
	}
	state, err := e.keys.GroupState(id)
	if err != nil {
		return nil, err
	}
	return &Group{
		ID:        rec.ID,
		Name:      rec.Name,
		Image:     rec.Image,
		UpdatedAt: rec.UpdatedAt,
		state:     state,
	}, nil
}

// saveGroup persists the metadata record and MLS state blob when the
// group is marked changed.  Durability before success is the engine's
// core persistence contract.
func (e *Engine) saveGroup(g *Group) error {
	if !g.changed {
		return nil
	}
	if err := e.keys.SaveGroupState(g.ID, g.state); err != nil {
		return err
	}
	if err := e.store.SaveGroup(g.record()); err != nil {
		return err
	}
	g.changed = false
	return nil
}

// fanOut resolves the live member list, drops the excluded device set
// and delivers the blob to the rest.  Zero recipients after exclusion is
// not an error.
func (e *Engine) fanOut(ctx context.Context, g *Group, data []byte, exclude map[ClientID]bool) error {
	recipients, err := g.memberClients(exclude)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}
	return e.transport.Send(ctx, recipients, data)
}

func freshSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("lagoon.engine: entropy failure: %v", err)
	}
	return secret, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

///
/// Member management
///

// CreateGroup initializes a new one-member group under this device's
// credential and persists it.
func (e *Engine) CreateGroup(ctx context.Context) (GroupID, error) {
	id := NewGroupID()

	secret, err := freshSecret()
	if err != nil {
		return GroupID{}, err
	}
	kp, err := mls.NewKeyPackageWithSecret(e.keys.Suite(), secret, e.identity.Credential(), e.identity.sigPriv)
	if err != nil {
		return GroupID{}, fmt.Errorf("lagoon.engine: group key package failure: %v", err)
	}
	state, err := mls.NewEmptyState(id.Bytes(), secret, e.identity.sigPriv, *kp)
	if err != nil {
		return GroupID{}, fmt.Errorf("lagoon.engine: group creation failure: %v", err)
	}

	g := &Group{ID: id, state: state}
	g.markChanged()
	if err := e.saveGroup(g); err != nil {
		return GroupID{}, err
	}
	e.log.Debugf("created group %s", id)
	return id, nil
}

// AddMember adds every registered device of the target user to the
// group.  The target is resolved with full authentication; one key
// package is consumed per device and validated before use.
//
// The Welcome goes to the new members before the commit goes to the
// existing ones: a failed Welcome delivery is simpler to recover from
// than a commit that already propagated.
func (e *Engine) AddMember(ctx context.Context, id GroupID, user UserID) error {
	unlock := e.lockGroup(id)
	defer unlock()

	g, err := e.loadGroup(id)
	if err != nil {
		return err
	}

	_, clients, err := e.directory.GetUserClientsFullAuth(ctx, user)
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		e.log.Warningf("user %s has no registered clients, nothing to add", user)
		return nil
	}

	var kps []mls.KeyPackage
	var added []ClientID
	for _, rec := range clients {
		client, err := ParseClientID(rec.ClientID)
		if err != nil {
			return err
		}
		blob, err := e.relay.ConsumeKeyPackage(ctx, client)
		if err != nil {
			return err
		}
		var kp mls.KeyPackage
		if _, err := syntax.Unmarshal(blob, &kp); err != nil {
			return fmt.Errorf("lagoon.engine: key package unmarshal failure for client %s: %v", client, err)
		}
		if err := e.identity.ValidateKeyPackage(&kp, user, client); err != nil {
			return err
		}
		kps = append(kps, kp)
		added = append(added, client)
	}

	// Existing membership, minus this device, before the epoch moves.
	existing, err := g.memberClients(map[ClientID]bool{e.identity.ClientID(): true})
	if err != nil {
		return err
	}

	for i := range kps {
		pt, err := g.state.Add(kps[i])
		if err != nil {
			return fmt.Errorf("lagoon.engine: add proposal failure: %v", err)
		}
		if _, err := g.state.Handle(pt); err != nil {
			return fmt.Errorf("lagoon.engine: add proposal failure: %v", err)
		}
	}

	secret, err := freshSecret()
	if err != nil {
		return err
	}
	commitPt, welcome, next, err := g.state.Commit(secret)
	if err != nil {
		return fmt.Errorf("lagoon.engine: add commit failure: %v", err)
	}

	g.state = next
	g.markChanged()
	if err := e.saveGroup(g); err != nil {
		return err
	}

	welcomeData, err := encodeWire(WireContentWelcome, *welcome)
	if err != nil {
		return err
	}
	if err := e.transport.Send(ctx, added, welcomeData); err != nil {
		return err
	}

	commitData, err := encodeWire(WireContentPublic, *commitPt)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		if err := e.transport.Send(ctx, existing, commitData); err != nil {
			return err
		}
	}

	e.log.Debugf("added %d devices of user %s to group %s, epoch now %d", len(added), user, id, g.Epoch())
	return nil
}

// RemoveMember removes every device of the target user from the group
// in one commit and fans it out to the remaining members.
func (e *Engine) RemoveMember(ctx context.Context, id GroupID, user UserID) error {
	unlock := e.lockGroup(id)
	defer unlock()

	g, err := e.loadGroup(id)
	if err != nil {
		return err
	}

	leaves, err := g.leavesOf(user, false)
	if err != nil {
		return err
	}
	if len(leaves) == 0 {
		return fmt.Errorf("lagoon.engine: user %s has no devices in group %s", user, id)
	}

	commitPt, err := e.removeLeaves(g, leaves)
	if err != nil {
		return err
	}
	if err := e.saveGroup(g); err != nil {
		return err
	}

	commitData, err := encodeWire(WireContentPublic, *commitPt)
	if err != nil {
		return err
	}
	// Remaining membership is read from the merged state, so the removed
	// devices are gone; only this device needs excluding.
	if err := e.fanOut(ctx, g, commitData, map[ClientID]bool{e.identity.ClientID(): true}); err != nil {
		return err
	}

	e.log.Debugf("removed user %s from group %s, epoch now %d", user, id, g.Epoch())
	return nil
}

// removeLeaves issues remove proposals for the given leaves, commits
// them and merges the result.  A remove must never yield new-member
// material.
func (e *Engine) removeLeaves(g *Group, leaves []mls.LeafIndex) (*mls.MLSPlaintext, error) {
	for _, leaf := range leaves {
		pt, err := g.state.Remove(leaf)
		if err != nil {
			return nil, fmt.Errorf("lagoon.engine: remove proposal failure: %v", err)
		}
		if _, err := g.state.Handle(pt); err != nil {
			return nil, fmt.Errorf("lagoon.engine: remove proposal failure: %v", err)
		}
	}

	secret, err := freshSecret()
	if err != nil {
		return nil, err
	}
	commitPt, welcome, next, err := g.state.Commit(secret)
	if err != nil {
		return nil, fmt.Errorf("lagoon.engine: remove commit failure: %v", err)
	}
	if welcome != nil && len(welcome.Secrets) > 0 {
		return nil, fmt.Errorf("lagoon.engine: remove produced a welcome: %w", ErrUnexpectedWelcome)
	}

	g.state = next
	g.markChanged()
	return commitPt, nil
}

// LeaveGroup removes this account from the group in two steps.  First a
// commit removes the account's other devices, merged and fanned out like
// any engine-initiated removal.  Then a self-remove proposal goes to the
// remaining members with no exclusions; whichever member reconciles it
// first commits it, and this device simply stops participating.
func (e *Engine) LeaveGroup(ctx context.Context, id GroupID) error {
	unlock := e.lockGroup(id)
	defer unlock()

	g, err := e.loadGroup(id)
	if err != nil {
		return err
	}

	others, err := g.leavesOf(e.identity.UserID(), true)
	if err != nil {
		return err
	}
	if len(others) > 0 {
		commitPt, err := e.removeLeaves(g, others)
		if err != nil {
			return err
		}
		if err := e.saveGroup(g); err != nil {
			return err
		}
		commitData, err := encodeWire(WireContentPublic, *commitPt)
		if err != nil {
			return err
		}
		if err := e.fanOut(ctx, g, commitData, map[ClientID]bool{e.identity.ClientID(): true}); err != nil {
			return err
		}
	}

	pt, err := g.state.Remove(mls.LeafIndex(g.SelfIndex()))
	if err != nil {
		return fmt.Errorf("lagoon.engine: self-remove proposal failure: %v", err)
	}
	propData, err := encodeWire(WireContentPublic, *pt)
	if err != nil {
		return err
	}
	if err := e.fanOut(ctx, g, propData, nil); err != nil {
		return err
	}

	e.log.Debugf("left group %s", id)
	return nil
}

///
/// Application traffic
///

// sendApplication protects the payload under the current epoch and fans
// the ciphertext out to every member, this device included, so the
// sender observes its own message through the reconciliation loop like
// everyone else.
func (e *Engine) sendApplication(ctx context.Context, id GroupID, payload []byte) error {
	unlock := e.lockGroup(id)
	defer unlock()

	g, err := e.loadGroup(id)
	if err != nil {
		return err
	}

	ct, err := g.state.Protect(payload)
	if err != nil {
		return fmt.Errorf("lagoon.engine: protect failure: %v", err)
	}
	// Protect advanced the sender ratchet; persist before delivery.
	g.markChanged()
	if err := e.saveGroup(g); err != nil {
		return err
	}

	data, err := encodeWire(WireContentPrivate, *ct)
	if err != nil {
		return err
	}
	return e.fanOut(ctx, g, data, nil)
}

// SendLocation shares a position fix with the group.
func (e *Engine) SendLocation(ctx context.Context, id GroupID, longitude, latitude float64, recordedAt time.Time) error {
	payload, err := encodeLocationPayload(LocationUpdate{
		ClientID:   e.identity.ClientID().String(),
		Longitude:  longitude,
		Latitude:   latitude,
		RecordedAt: recordedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return e.sendApplication(ctx, id, payload)
}

// SetGroupName renames the group locally and announces the change.
func (e *Engine) SetGroupName(ctx context.Context, id GroupID, name string) error {
	return e.setGroupStatus(ctx, id, GroupStatus{Name: &name})
}

// SetGroupImage replaces the group image locally and announces the
// change.
func (e *Engine) SetGroupImage(ctx context.Context, id GroupID, image []byte) error {
	return e.setGroupStatus(ctx, id, GroupStatus{Image: image})
}

func (e *Engine) setGroupStatus(ctx context.Context, id GroupID, status GroupStatus) error {
	if err := e.applyGroupStatus(id, status); err != nil {
		return err
	}
	payload, err := encodeGroupStatusPayload(status)
	if err != nil {
		return err
	}
	return e.sendApplication(ctx, id, payload)
}

func (e *Engine) applyGroupStatus(id GroupID, status GroupStatus) error {
	unlock := e.lockGroup(id)
	defer unlock()
	g, err := e.loadGroup(id)
	if err != nil {
		return err
	}
	if status.Name != nil {
		g.Name = status.Name
	}
	if status.Image != nil {
		g.Image = status.Image
	}
	// UpdatedAt stays put: the authoritative metadata timestamp is the
	// server receipt time of the announcement, applied on echo.
	g.markChanged()
	return e.saveGroup(g)
}

///
/// Read API
///

// Groups lists the locally known groups.
func (e *Engine) Groups() ([]GroupRecord, error) {
	return e.store.Groups()
}

// Members lists the current membership of a group from local state.
func (e *Engine) Members(id GroupID) ([]Member, error) {
	unlock := e.lockGroup(id)
	defer unlock()
	g, err := e.loadGroup(id)
	if err != nil {
		return nil, err
	}
	return g.Members()
}

// Locations returns the stored position fixes for a group, oldest
// first.
func (e *Engine) Locations(id GroupID) ([]LocationRecord, error) {
	return e.store.Locations(id)
}
