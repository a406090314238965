package lagoon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cisco/go-mls"
	syntax "github.com/cisco/go-tls-syntax"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// testRelay is an in-process relay speaking the production wire
// contract, backed by maps.  It applies the same server-side checks the
// real relay does: unknown users 404, uploaded key packages must carry a
// credential bound to the uploading client, and the last key package is
// served but never deleted.
type testRelay struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	now     int64
	users   map[string]UserRecord
	clients map[string]*testRelayClient
}

type testRelayClient struct {
	rec      ClientRecord
	packages [][]byte
	mailbox  []RelayEnvelope
}

func newTestRelay(t *testing.T) *testRelay {
	r := &testRelay{
		t:       t,
		now:     time.Now().UnixMilli(),
		users:   map[string]UserRecord{},
		clients: map[string]*testRelayClient{},
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/client", r.registerClient).Methods(http.MethodPost)
	router.HandleFunc("/v1/client/{id}", r.rotateClient).Methods(http.MethodPatch)
	router.HandleFunc("/v1/client/{id}", r.getClient).Methods(http.MethodGet)
	router.HandleFunc("/v1/client/{id}", r.deregisterClient).Methods(http.MethodDelete)
	router.HandleFunc("/v1/client/{id}/key_packages", r.replaceKeyPackages).Methods(http.MethodPost)
	router.HandleFunc("/v1/client/{id}/key_package", r.consumeKeyPackage).Methods(http.MethodGet)
	router.HandleFunc("/v1/users/{id}", r.getUser).Methods(http.MethodGet)
	router.HandleFunc("/v1/users/{id}/clients", r.getUserClients).Methods(http.MethodGet)
	router.HandleFunc("/v1/message", r.sendMessage).Methods(http.MethodPost)
	router.HandleFunc("/v1/message", r.receiveMessages).Methods(http.MethodGet)

	r.srv = httptest.NewServer(router)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) url() string { return r.srv.URL }

func (r *testRelay) addUser(user UserID, displayName string, identityKey []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.String()] = UserRecord{
		UserID:      user.String(),
		DisplayName: displayName,
		IdentityKey: identityKey,
	}
}

// setUserIdentityKey swaps a user's published identity key behind the
// directory's back.
func (r *testRelay) setUserIdentityKey(user UserID, identityKey []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.users[user.String()]
	rec.IdentityKey = identityKey
	r.users[user.String()] = rec
}

// tamperClientSignature corrupts a registered client's vouching
// signature.
func (r *testRelay) tamperClientSignature(client ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[client.String()]
	if !ok {
		r.t.Fatalf("no such client %s", client)
	}
	c.rec.Signature[0] ^= 0xff
}

func (r *testRelay) packageCount(client ClientID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[client.String()]
	if !ok {
		return 0
	}
	return len(c.packages)
}

func (r *testRelay) peekMailbox(client ClientID) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[client.String()]
	if !ok {
		return nil
	}
	var out [][]byte
	for _, env := range c.mailbox {
		out = append(out, env.Payload)
	}
	return out
}

func (r *testRelay) mailboxLen(client ClientID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[client.String()]
	if !ok {
		return 0
	}
	return len(c.mailbox)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (r *testRelay) registerClient(w http.ResponseWriter, req *http.Request) {
	var body registerClientRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[body.UserID]; !ok {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}
	id := uuid.New().String()
	r.clients[id] = &testRelayClient{rec: ClientRecord{
		ClientID:  id,
		UserID:    body.UserID,
		PublicKey: body.PublicKey,
		Signature: body.Signature,
	}}
	writeJSON(w, registerClientResponse{ClientID: id})
}

func (r *testRelay) rotateClient(w http.ResponseWriter, req *http.Request) {
	var body registerClientRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[mux.Vars(req)["id"]]
	if !ok {
		http.Error(w, "no such client", http.StatusNotFound)
		return
	}
	c.rec.PublicKey = body.PublicKey
	c.rec.Signature = body.Signature
	w.WriteHeader(http.StatusNoContent)
}

func (r *testRelay) getClient(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[mux.Vars(req)["id"]]
	if !ok {
		http.Error(w, "no such client", http.StatusNotFound)
		return
	}
	writeJSON(w, c.rec)
}

func (r *testRelay) deregisterClient(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := mux.Vars(req)["id"]
	if _, ok := r.clients[id]; !ok {
		http.Error(w, "no such client", http.StatusNotFound)
		return
	}
	delete(r.clients, id)
	w.WriteHeader(http.StatusNoContent)
}

func (r *testRelay) replaceKeyPackages(w http.ResponseWriter, req *http.Request) {
	var body keyPackagesRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id := mux.Vars(req)["id"]
	c, ok := r.clients[id]
	if !ok {
		http.Error(w, "no such client", http.StatusNotFound)
		return
	}
	user, err := ParseUserID(c.rec.UserID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	client, err := ParseClientID(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, blob := range body.KeyPackages {
		var kp mls.KeyPackage
		if _, err := syntax.Unmarshal(blob, &kp); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := ValidateKeyPackageIdentity(&kp, user, client); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	c.packages = body.KeyPackages
	w.WriteHeader(http.StatusNoContent)
}

func (r *testRelay) consumeKeyPackage(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[mux.Vars(req)["id"]]
	if !ok {
		http.Error(w, "no such client", http.StatusNotFound)
		return
	}
	if len(c.packages) == 0 {
		http.Error(w, "no key packages", http.StatusNotFound)
		return
	}
	pkg := c.packages[0]
	if len(c.packages) > 1 {
		c.packages = c.packages[1:]
	}
	writeJSON(w, keyPackageResponse{KeyPackage: pkg})
}

func (r *testRelay) getUser(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.users[mux.Vars(req)["id"]]
	if !ok {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

func (r *testRelay) getUserClients(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := mux.Vars(req)["id"]
	if _, ok := r.users[id]; !ok {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}
	var resp userClientsResponse
	for _, c := range r.clients {
		if c.rec.UserID == id {
			resp.Clients = append(resp.Clients, c.rec)
		}
	}
	writeJSON(w, resp)
}

func (r *testRelay) sendMessage(w http.ResponseWriter, req *http.Request) {
	var body sendMessageRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if now := time.Now().UnixMilli(); now > r.now {
		r.now = now
	} else {
		r.now++
	}
	for _, recipient := range body.Recipients {
		c, ok := r.clients[recipient]
		if !ok {
			http.Error(w, "no such recipient", http.StatusNotFound)
			return
		}
		c.mailbox = append(c.mailbox, RelayEnvelope{
			Payload:          body.Message,
			ServerReceivedAt: r.now,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *testRelay) receiveMessages(w http.ResponseWriter, req *http.Request) {
	var body receiveMessagesRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[body.ClientID]
	if !ok {
		http.Error(w, "no such client", http.StatusNotFound)
		return
	}
	resp := receiveMessagesResponse{Messages: c.mailbox}
	c.mailbox = nil
	writeJSON(w, resp)
}
