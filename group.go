package lagoon

import (
	"fmt"

	"github.com/cisco/go-mls"
)

// Group owns one group's MLS state plus the local metadata record.  It
// is a plain struct with named methods; the engine loads one instance
// per operation and is the only writer.
type Group struct {
	ID        GroupID
	Name      *string
	Image     []byte
	UpdatedAt int64

	state   *mls.State
	changed bool
}

// Member is one occupied leaf of the ratchet tree.  Leaf indices are
// only meaningful within one epoch; re-derive the member list after any
// epoch transition.
type Member struct {
	UserID   UserID
	ClientID ClientID
	Index    uint32
}

func (g *Group) Epoch() uint64 { return uint64(g.state.Epoch) }

func (g *Group) SelfIndex() uint32 { return uint32(g.state.Index) }

func (g *Group) markChanged() { g.changed = true }

// Members derives the live member list from the ratchet tree.  Leaves
// whose credential identity does not parse are a protocol violation and
// fail the whole derivation.
func (g *Group) Members() ([]Member, error) {
	var members []Member
	nodes := g.state.Tree.Nodes
	for i := 0; 2*i < len(nodes); i++ {
		leaf := nodes[2*i]
		if leaf.Node == nil || leaf.Node.Leaf == nil {
			continue
		}
		user, client, err := ParseKeyPackageIdentity(string(leaf.Node.Leaf.Credential.Identity()))
		if err != nil {
			return nil, fmt.Errorf("lagoon.group: group %s leaf %d: %v", g.ID, i, err)
		}
		members = append(members, Member{UserID: user, ClientID: client, Index: uint32(i)})
	}
	return members, nil
}

// memberClients returns the device set of the current membership minus
// the exclusion set.
func (g *Group) memberClients(exclude map[ClientID]bool) ([]ClientID, error) {
	members, err := g.Members()
	if err != nil {
		return nil, err
	}
	var clients []ClientID
	for _, m := range members {
		if exclude[m.ClientID] {
			continue
		}
		clients = append(clients, m.ClientID)
	}
	return clients, nil
}

// leavesOf returns the leaf indices of every device of the given user,
// optionally skipping the acting device's own leaf.
func (g *Group) leavesOf(user UserID, skipSelf bool) ([]mls.LeafIndex, error) {
	members, err := g.Members()
	if err != nil {
		return nil, err
	}
	var leaves []mls.LeafIndex
	for _, m := range members {
		if m.UserID != user {
			continue
		}
		if skipSelf && m.Index == g.SelfIndex() {
			continue
		}
		leaves = append(leaves, mls.LeafIndex(m.Index))
	}
	return leaves, nil
}

// clientAtLeaf resolves the device occupying the given leaf in the
// current epoch.
func (g *Group) clientAtLeaf(leaf mls.LeafIndex) (ClientID, error) {
	nodes := g.state.Tree.Nodes
	n := 2 * int(leaf)
	if n >= len(nodes) || nodes[n].Node == nil || nodes[n].Node.Leaf == nil {
		return ClientID{}, fmt.Errorf("lagoon.group: group %s leaf %d is blank", g.ID, leaf)
	}
	_, client, err := ParseKeyPackageIdentity(string(nodes[n].Node.Leaf.Credential.Identity()))
	if err != nil {
		return ClientID{}, fmt.Errorf("lagoon.group: group %s leaf %d: %v", g.ID, leaf, err)
	}
	return client, nil
}

func (g *Group) record() GroupRecord {
	return GroupRecord{ID: g.ID, Name: g.Name, Image: g.Image, UpdatedAt: g.UpdatedAt}
}
