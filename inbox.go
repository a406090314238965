package lagoon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cisco/go-mls"
	syntax "github.com/cisco/go-tls-syntax"
)

///
/// Reconciliation loop
///
/// Incoming envelopes are drained from the relay into the durable inbox,
/// then processed strictly in server-timestamp order.  An envelope is
/// deleted only after it was fully applied; any fatal error stops the
/// loop and leaves the remainder queued for the next run, so processing
/// is at-least-once and ordered.
///

// ReceiveMessages drains the relay mailbox into the local inbox and then
// processes every queued envelope in order.
func (e *Engine) ReceiveMessages(ctx context.Context) error {
	envelopes, err := e.transport.Receive(ctx, e.identity.ClientID())
	if err != nil {
		return err
	}
	now := nowMillis()
	for _, env := range envelopes {
		if err := e.store.EnqueueEnvelope(env.Payload, env.ServerReceivedAt, now); err != nil {
			return err
		}
	}

	pending, err := e.store.PendingEnvelopes()
	if err != nil {
		return err
	}
	for _, env := range pending {
		if err := e.processEnvelope(ctx, env); err != nil {
			return fmt.Errorf("lagoon.inbox: envelope %d: %w", env.ID, err)
		}
		if err := e.store.DeleteEnvelope(env.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) processEnvelope(ctx context.Context, env InboxEnvelope) error {
	msg, err := decodeWire(env.Payload)
	if err != nil {
		return err
	}
	switch msg.ContentType {
	case WireContentWelcome:
		return e.handleWelcome(msg)
	case WireContentPublic:
		return e.handlePublic(ctx, env, msg)
	case WireContentPrivate:
		return e.handlePrivate(env, msg)
	default:
		e.log.Warningf("dropping envelope %d with unexpected content type %d", env.ID, msg.ContentType)
		return nil
	}
}

// handleWelcome joins a group.  A Welcome that cannot be opened is
// dropped: its key package predates the last inventory replacement and
// the sender will find out through other channels.  A Welcome for a
// group already known locally is a rejoin after removal when its epoch
// is ahead of the stored state, and a duplicate otherwise.
func (e *Engine) handleWelcome(msg *wireMessage) error {
	welcome, err := msg.Welcome()
	if err != nil {
		return err
	}
	state, err := e.identity.JoinWelcome(*welcome)
	if err != nil {
		e.log.Warningf("dropping welcome that does not match any held key package: %v", err)
		return nil
	}
	id, err := GroupIDFromBytes(state.GroupID)
	if err != nil {
		return err
	}

	unlock := e.lockGroup(id)
	defer unlock()

	existing, err := e.store.Group(id)
	if err != nil {
		return err
	}

	g := &Group{ID: id, state: state}
	if existing != nil {
		current, err := e.keys.GroupState(id)
		if err != nil && !errors.Is(err, ErrNoSuchGroup) {
			return err
		}
		if err == nil && uint64(current.Epoch) >= uint64(state.Epoch) {
			e.log.Warningf("dropping welcome for already joined group %s at epoch %d", id, uint64(current.Epoch))
			return nil
		}
		// Re-added after a removal: adopt the new state, keep the
		// metadata record.
		g.Name = existing.Name
		g.Image = existing.Image
		g.UpdatedAt = existing.UpdatedAt
		if err := e.store.DeletePendingCommit(id); err != nil {
			return err
		}
		g.markChanged()
		if err := e.saveGroup(g); err != nil {
			return err
		}
		e.log.Debugf("rejoined group %s at epoch %d", id, g.Epoch())
		return nil
	}

	g.markChanged()
	if err := e.saveGroup(g); err != nil {
		return err
	}
	e.log.Debugf("joined group %s at epoch %d", id, g.Epoch())
	return nil
}

// handlePublic reconciles a handshake message: a commit echo restores
// the staged state, a remote proposal is committed on the spot, a remote
// commit is merged directly.
func (e *Engine) handlePublic(ctx context.Context, env InboxEnvelope, msg *wireMessage) error {
	pt, err := msg.Public()
	if err != nil {
		return err
	}
	id, err := GroupIDFromBytes(pt.GroupID)
	if err != nil {
		return err
	}

	unlock := e.lockGroup(id)
	defer unlock()

	g, err := e.loadGroup(id)
	if err != nil {
		if errors.Is(err, ErrNoSuchGroup) {
			e.log.Warningf("dropping handshake message for unknown group %s", id)
			return nil
		}
		return err
	}

	if uint64(pt.Epoch) < g.Epoch() {
		e.log.Debugf("dropping stale handshake message for group %s, epoch %d < %d", id, uint64(pt.Epoch), g.Epoch())
		return nil
	}

	marker, err := e.store.PendingCommit(id)
	if err != nil {
		return err
	}
	if marker != nil && e.isCommitEcho(marker, env.Payload, msg.Payload) {
		return e.mergeStagedCommit(g, marker)
	}

	switch pt.Content.Type() {
	case mls.ContentTypeProposal:
		return e.handleProposal(ctx, g, pt, marker)
	case mls.ContentTypeCommit:
		// A self-sent commit that does not match the marker was already
		// superseded locally; the protocol layer cannot merge it.
		if pt.Sender.Type == mls.SenderTypeMember && uint32(pt.Sender.Sender) == g.SelfIndex() {
			e.log.Warningf("dropping echo of own superseded commit for group %s", id)
			return nil
		}
		return e.handleRemoteCommit(g, pt)
	default:
		e.log.Warningf("dropping handshake message with content type %d for group %s", pt.Content.Type(), id)
		return nil
	}
}

// isCommitEcho reports whether the envelope is the relay echo of this
// device's own staged commit.  Both the outer envelope hash and the
// inner commit hash must match the marker.
func (e *Engine) isCommitEcho(marker *PendingCommitRecord, envelope, inner []byte) bool {
	suite := e.keys.Suite()
	return bytes.Equal(suite.Digest(envelope), marker.MessageHash) &&
		bytes.Equal(suite.Digest(inner), marker.CommitHash)
}

// mergeStagedCommit promotes the state staged at commit time and retires
// the marker.
func (e *Engine) mergeStagedCommit(g *Group, marker *PendingCommitRecord) error {
	state, err := e.keys.RestoreState(marker.StagedState)
	if err != nil {
		return err
	}
	g.state = state
	g.markChanged()
	if err := e.saveGroup(g); err != nil {
		return err
	}
	if err := e.store.DeletePendingCommit(g.ID); err != nil {
		return err
	}
	e.log.Debugf("merged own commit for group %s, epoch now %d", g.ID, g.Epoch())
	return nil
}

// handleProposal queues a member's proposal and immediately commits
// everything pending.  The merge is deferred until the commit's own
// relay echo arrives, so every device applies the same server-ordered
// sequence.  While a staged commit is awaiting its echo the proposal is
// only queued: committing again would orphan the staged marker, and the
// proposal either rides along once the marker resolves or falls away as
// epoch-stale.
func (e *Engine) handleProposal(ctx context.Context, g *Group, pt *mls.MLSPlaintext, marker *PendingCommitRecord) error {
	if pt.Sender.Type != mls.SenderTypeMember {
		return fmt.Errorf("lagoon.inbox: proposal from non-member sender type %d: %w", pt.Sender.Type, ErrUnsupportedProposal)
	}
	if uint32(pt.Sender.Sender) == g.SelfIndex() {
		// Echo of this device's own proposal; another member commits it.
		return nil
	}
	if pt.Content.Proposal == nil {
		return fmt.Errorf("lagoon.inbox: proposal message without proposal body: %w", ErrUnsupportedProposal)
	}
	switch pt.Content.Proposal.Type() {
	case mls.ProposalTypeAdd, mls.ProposalTypeRemove:
	default:
		return fmt.Errorf("lagoon.inbox: proposal type %d: %w", pt.Content.Proposal.Type(), ErrUnsupportedProposal)
	}

	if _, err := g.state.Handle(pt); err != nil {
		return fmt.Errorf("lagoon.inbox: proposal handling failure: %v", err)
	}

	if marker != nil {
		g.markChanged()
		if err := e.saveGroup(g); err != nil {
			return err
		}
		e.log.Debugf("holding proposal for group %s until the staged commit resolves", g.ID)
		return nil
	}

	// Resolve fan-out targets from the queued proposals before the
	// epoch moves: added devices get the Welcome, removed devices get
	// nothing.
	var added []ClientID
	removed := map[ClientID]bool{}
	for i := range g.state.PendingProposals {
		prop := g.state.PendingProposals[i].Content.Proposal
		if prop == nil {
			continue
		}
		switch prop.Type() {
		case mls.ProposalTypeAdd:
			_, client, err := ParseKeyPackageIdentity(string(prop.Add.KeyPackage.Credential.Identity()))
			if err != nil {
				return fmt.Errorf("lagoon.inbox: add proposal credential: %v", err)
			}
			added = append(added, client)
		case mls.ProposalTypeRemove:
			client, err := g.clientAtLeaf(mls.LeafIndex(prop.Remove.Removed))
			if err != nil {
				return err
			}
			removed[client] = true
		}
	}

	secret, err := freshSecret()
	if err != nil {
		return err
	}
	commitPt, welcome, next, err := g.state.Commit(secret)
	if err != nil {
		return fmt.Errorf("lagoon.inbox: proposal commit failure: %v", err)
	}

	commitData, err := encodeWire(WireContentPublic, *commitPt)
	if err != nil {
		return err
	}
	inner, err := syntax.Marshal(*commitPt)
	if err != nil {
		return fmt.Errorf("lagoon.inbox: commit marshal failure: %v", err)
	}
	staged, err := e.keys.SerializeState(next)
	if err != nil {
		return err
	}

	suite := e.keys.Suite()
	if err := e.store.SavePendingCommit(PendingCommitRecord{
		GroupID:     g.ID,
		CommitHash:  suite.Digest(inner),
		MessageHash: suite.Digest(commitData),
		StagedState: staged,
		CreatedAt:   nowMillis(),
	}); err != nil {
		return err
	}
	g.markChanged()
	if err := e.saveGroup(g); err != nil {
		return err
	}

	if len(added) > 0 {
		welcomeData, err := encodeWire(WireContentWelcome, *welcome)
		if err != nil {
			return err
		}
		if err := e.transport.Send(ctx, added, welcomeData); err != nil {
			return err
		}
	}
	if err := e.fanOut(ctx, g, commitData, removed); err != nil {
		return err
	}

	e.log.Debugf("committed pending proposals for group %s at epoch %d, merge deferred", g.ID, g.Epoch())
	return nil
}

// handleRemoteCommit merges another member's commit.  Any marker staged
// by this device is superseded: the server ordered the remote commit
// first, so the staged epoch never existed.
func (e *Engine) handleRemoteCommit(g *Group, pt *mls.MLSPlaintext) error {
	next, err := g.state.Handle(pt)
	if err != nil {
		return fmt.Errorf("lagoon.inbox: commit handling failure: %v", err)
	}
	if next == nil {
		return fmt.Errorf("lagoon.inbox: commit produced no state transition")
	}
	g.state = next
	g.markChanged()
	if err := e.saveGroup(g); err != nil {
		return err
	}
	if err := e.store.DeletePendingCommit(g.ID); err != nil {
		return err
	}
	e.log.Debugf("merged remote commit for group %s, epoch now %d", g.ID, g.Epoch())
	return nil
}

// handlePrivate decrypts an application message and applies its payload
// to the local stores.
func (e *Engine) handlePrivate(env InboxEnvelope, msg *wireMessage) error {
	ct, err := msg.Private()
	if err != nil {
		return err
	}
	id, err := GroupIDFromBytes(ct.GroupID)
	if err != nil {
		return err
	}

	unlock := e.lockGroup(id)
	defer unlock()

	g, err := e.loadGroup(id)
	if err != nil {
		if errors.Is(err, ErrNoSuchGroup) {
			e.log.Warningf("dropping application message for unknown group %s", id)
			return nil
		}
		return err
	}

	if mls.ContentType(ct.ContentType) != mls.ContentTypeApplication {
		e.log.Warningf("dropping private message with content type %d for group %s", ct.ContentType, id)
		return nil
	}

	data, err := g.state.Unprotect(ct)
	if err != nil {
		if uint64(ct.Epoch) < g.Epoch() {
			e.log.Warningf("dropping undecryptable application message from epoch %d for group %s at epoch %d", uint64(ct.Epoch), id, g.Epoch())
			return nil
		}
		// A message whose ratchet key was already consumed and erased is
		// a redelivery, not new traffic.
		if strings.Contains(err.Error(), "expired key") {
			e.log.Warningf("dropping redelivered application message for group %s: %v", id, err)
			return nil
		}
		return fmt.Errorf("lagoon.inbox: unprotect failure at current epoch: %v", err)
	}
	// Unprotect consumed ratchet material; persist before acting on the
	// payload.
	g.markChanged()
	if err := e.saveGroup(g); err != nil {
		return err
	}

	payload, err := decodeApplicationPayload(data)
	if err != nil {
		e.log.Warningf("dropping malformed application payload for group %s: %v", id, err)
		return nil
	}
	switch payload.Type {
	case PayloadTypeLocation:
		return e.applyLocation(g, payload.Location)
	case PayloadTypeGroupStatus:
		return e.applyRemoteGroupStatus(g, env.ServerReceivedAt, payload.GroupStatus)
	}
	return nil
}

func (e *Engine) applyLocation(g *Group, loc *LocationUpdate) error {
	client, err := ParseClientID(loc.ClientID)
	if err != nil {
		e.log.Warningf("dropping location with malformed client id for group %s: %v", g.ID, err)
		return nil
	}
	return e.store.SaveLocation(LocationRecord{
		ClientID:   client,
		GroupID:    g.ID,
		Longitude:  loc.Longitude,
		Latitude:   loc.Latitude,
		RecordedAt: loc.RecordedAt,
	})
}

// applyRemoteGroupStatus merges metadata last-writer-wins on the server
// timestamp.
func (e *Engine) applyRemoteGroupStatus(g *Group, serverReceivedAt int64, status *GroupStatus) error {
	if serverReceivedAt <= g.UpdatedAt {
		e.log.Debugf("ignoring stale group status for group %s", g.ID)
		return nil
	}
	if status.Name != nil {
		g.Name = status.Name
	}
	if status.Image != nil {
		g.Image = status.Image
	}
	g.UpdatedAt = serverReceivedAt
	g.markChanged()
	return e.saveGroup(g)
}
