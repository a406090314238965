package lagoon

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newAccountStore(t *testing.T) *AccountStore {
	s, err := OpenAccountStore(t.TempDir(), UserID(uuid.New()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppStoreActiveAccount(t *testing.T) {
	s, err := OpenAppStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, _, ok, err := s.ActiveAccount()
	require.NoError(t, err)
	require.False(t, ok)

	user := UserID(uuid.New())
	client := ClientID(uuid.New())
	require.NoError(t, s.SetActiveAccount(user, client))

	gotUser, gotClient, ok, err := s.ActiveAccount()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, user, gotUser)
	require.Equal(t, client, gotClient)

	// Switching accounts deactivates the previous one.
	other := UserID(uuid.New())
	otherClient := ClientID(uuid.New())
	require.NoError(t, s.SetActiveAccount(other, otherClient))
	gotUser, _, ok, err = s.ActiveAccount()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, other, gotUser)
}

func TestAppStoreRelayDomain(t *testing.T) {
	s, err := OpenAppStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	domain, err := s.DefaultRelayDomain()
	require.NoError(t, err)
	require.Empty(t, domain)

	require.NoError(t, s.SetDefaultRelayDomain("relay.example.org"))
	require.NoError(t, s.SetDefaultRelayDomain("relay2.example.org"))
	domain, err = s.DefaultRelayDomain()
	require.NoError(t, err)
	require.Equal(t, "relay2.example.org", domain)
}

func TestInboxOrdering(t *testing.T) {
	s := newAccountStore(t)

	// Enqueue out of server order; the queue must come back ordered by
	// server receipt time, insertion id breaking ties.
	require.NoError(t, s.EnqueueEnvelope([]byte("third"), 300, 1))
	require.NoError(t, s.EnqueueEnvelope([]byte("first"), 100, 2))
	require.NoError(t, s.EnqueueEnvelope([]byte("second"), 200, 3))
	require.NoError(t, s.EnqueueEnvelope([]byte("second-b"), 200, 4))

	pending, err := s.PendingEnvelopes()
	require.NoError(t, err)
	require.Len(t, pending, 4)
	require.Equal(t, []byte("first"), pending[0].Payload)
	require.Equal(t, []byte("second"), pending[1].Payload)
	require.Equal(t, []byte("second-b"), pending[2].Payload)
	require.Equal(t, []byte("third"), pending[3].Payload)

	require.NoError(t, s.DeleteEnvelope(pending[0].ID))
	pending, err = s.PendingEnvelopes()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, []byte("second"), pending[0].Payload)
}

func TestGroupRecords(t *testing.T) {
	s := newAccountStore(t)
	id := NewGroupID()

	rec, err := s.Group(id)
	require.NoError(t, err)
	require.Nil(t, rec)

	require.NoError(t, s.SaveGroup(GroupRecord{ID: id}))
	rec, err = s.Group(id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Nil(t, rec.Name)
	require.Zero(t, rec.UpdatedAt)

	name := "expedition"
	require.NoError(t, s.SaveGroup(GroupRecord{ID: id, Name: &name, Image: []byte{1, 2}, UpdatedAt: 42}))
	rec, err = s.Group(id)
	require.NoError(t, err)
	require.Equal(t, "expedition", *rec.Name)
	require.Equal(t, []byte{1, 2}, rec.Image)
	require.Equal(t, int64(42), rec.UpdatedAt)

	all, err := s.Groups()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestLocationUpsert(t *testing.T) {
	s := newAccountStore(t)
	group := NewGroupID()
	client := ClientID(uuid.New())

	require.NoError(t, s.SaveLocation(LocationRecord{
		ClientID: client, GroupID: group, Longitude: 1, Latitude: 2, RecordedAt: 10,
	}))
	require.NoError(t, s.SaveLocation(LocationRecord{
		ClientID: client, GroupID: group, Longitude: 3, Latitude: 4, RecordedAt: 20,
	}))
	// Redelivery of the same fix overwrites instead of duplicating.
	require.NoError(t, s.SaveLocation(LocationRecord{
		ClientID: client, GroupID: group, Longitude: 5, Latitude: 6, RecordedAt: 20,
	}))

	locations, err := s.Locations(group)
	require.NoError(t, err)
	require.Len(t, locations, 2)
	require.Equal(t, float64(1), locations[0].Longitude)
	require.Equal(t, float64(5), locations[1].Longitude)

	other, err := s.Locations(NewGroupID())
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestPendingCommitMarker(t *testing.T) {
	s := newAccountStore(t)
	group := NewGroupID()

	marker, err := s.PendingCommit(group)
	require.NoError(t, err)
	require.Nil(t, marker)

	require.NoError(t, s.SavePendingCommit(PendingCommitRecord{
		GroupID: group, CommitHash: []byte{1}, MessageHash: []byte{2}, StagedState: []byte{3}, CreatedAt: 1,
	}))
	// A newer staged commit replaces the previous marker.
	require.NoError(t, s.SavePendingCommit(PendingCommitRecord{
		GroupID: group, CommitHash: []byte{4}, MessageHash: []byte{5}, StagedState: []byte{6}, CreatedAt: 2,
	}))

	marker, err = s.PendingCommit(group)
	require.NoError(t, err)
	require.NotNil(t, marker)
	require.Equal(t, []byte{4}, marker.CommitHash)
	require.Equal(t, []byte{5}, marker.MessageHash)

	require.NoError(t, s.DeletePendingCommit(group))
	marker, err = s.PendingCommit(group)
	require.NoError(t, err)
	require.Nil(t, marker)
}

func TestKeyValueRoundtrip(t *testing.T) {
	s := newAccountStore(t)

	value, err := s.GetValue(EntityGroupState, []byte("k"))
	require.NoError(t, err)
	require.Nil(t, value)

	require.NoError(t, s.PutValue(EntityGroupState, []byte("k"), []byte("v1")))
	require.NoError(t, s.PutValue(EntityGroupState, []byte("k"), []byte("v2")))
	value, err = s.GetValue(EntityGroupState, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)

	// Kinds partition the keyspace.
	value, err = s.GetValue(EntitySignatureKeyPair, []byte("k"))
	require.NoError(t, err)
	require.Nil(t, value)

	require.NoError(t, s.DeleteValue(EntityGroupState, []byte("k")))
	value, err = s.GetValue(EntityGroupState, []byte("k"))
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestDirectoryCacheRecords(t *testing.T) {
	s := newAccountStore(t)
	user := UserID(uuid.New())
	client := ClientID(uuid.New())

	rec, err := s.UserRecord(user)
	require.NoError(t, err)
	require.Nil(t, rec)

	require.NoError(t, s.SaveUserRecord(UserRecord{
		UserID: user.String(), DisplayName: "alice", IdentityKey: []byte{7},
	}))
	rec, err = s.UserRecord(user)
	require.NoError(t, err)
	require.Equal(t, "alice", rec.DisplayName)
	require.Equal(t, []byte{7}, rec.IdentityKey)

	crec, err := s.ClientRecord(client)
	require.NoError(t, err)
	require.Nil(t, crec)

	require.NoError(t, s.SaveClientRecord(ClientRecord{
		ClientID: client.String(), UserID: user.String(), PublicKey: []byte{8}, Signature: []byte{9},
	}))
	crec, err = s.ClientRecord(client)
	require.NoError(t, err)
	require.Equal(t, user.String(), crec.UserID)
	require.Equal(t, []byte{8}, crec.PublicKey)
}
