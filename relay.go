package lagoon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport is the boundary the engine needs from the relay: opaque
// fan-out and drain.  Retries and auth management stay behind it.
type Transport interface {
	Send(ctx context.Context, recipients []ClientID, message []byte) error
	Receive(ctx context.Context, client ClientID) ([]RelayEnvelope, error)
}

// RelayEnvelope is one opaque ciphertext blob as returned by the relay,
// with the server-assigned receipt timestamp in unix milliseconds.
type RelayEnvelope struct {
	Payload          []byte `json:"message"`
	ServerReceivedAt int64  `json:"received_at"`
}

// UserRecord is a user's public profile as served by the relay
// directory.
type UserRecord struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IdentityKey []byte `json:"identity_key"`
}

// ClientRecord is one registered device: its signing key plus the
// signature over that key by the owning user's identity key.
type ClientRecord struct {
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// RelayClient talks the HTTP+JSON wire contract of the relay.
type RelayClient struct {
	base   string
	token  string
	client *http.Client
}

func NewRelayClient(base, token string) *RelayClient {
	return &RelayClient{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *RelayClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("lagoon.relay: request marshal failure: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.base+path, body)
	if err != nil {
		return fmt.Errorf("lagoon.relay: %s %s: %v", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("lagoon.relay: %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("lagoon.relay: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("lagoon.relay: %s %s: response decode failure: %v", method, path, err)
		}
	}
	return nil
}

///
/// Client registration
///

type registerClientRequest struct {
	UserID    string `json:"user_id"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

type registerClientResponse struct {
	ClientID string `json:"client_id"`
}

func (r *RelayClient) RegisterClient(ctx context.Context, user UserID, publicKey, signature []byte) (ClientID, error) {
	var resp registerClientResponse
	req := registerClientRequest{UserID: user.String(), PublicKey: publicKey, Signature: signature}
	if err := r.do(ctx, http.MethodPost, "/v1/client", req, &resp); err != nil {
		return ClientID{}, err
	}
	return ParseClientID(resp.ClientID)
}

func (r *RelayClient) RotateClientKey(ctx context.Context, client ClientID, publicKey, signature []byte) error {
	req := registerClientRequest{PublicKey: publicKey, Signature: signature}
	return r.do(ctx, http.MethodPatch, "/v1/client/"+client.String(), req, nil)
}

func (r *RelayClient) GetClient(ctx context.Context, client ClientID) (*ClientRecord, error) {
	var rec ClientRecord
	if err := r.do(ctx, http.MethodGet, "/v1/client/"+client.String(), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RelayClient) DeregisterClient(ctx context.Context, client ClientID) error {
	return r.do(ctx, http.MethodDelete, "/v1/client/"+client.String(), nil, nil)
}

///
/// Key packages
///

type keyPackagesRequest struct {
	KeyPackages [][]byte `json:"key_packages"`
}

type keyPackageResponse struct {
	KeyPackage []byte `json:"key_package"`
}

// ReplaceKeyPackages bulk-replaces the client's one-time key packages on
// the relay.  The server validates each package's embedded credential
// identity before accepting the batch.
func (r *RelayClient) ReplaceKeyPackages(ctx context.Context, client ClientID, packages [][]byte) error {
	return r.do(ctx, http.MethodPost, "/v1/client/"+client.String()+"/key_packages",
		keyPackagesRequest{KeyPackages: packages}, nil)
}

// ConsumeKeyPackage fetches one key package for the client; the server
// deletes it on delivery unless it is the last one remaining.
func (r *RelayClient) ConsumeKeyPackage(ctx context.Context, client ClientID) ([]byte, error) {
	var resp keyPackageResponse
	if err := r.do(ctx, http.MethodGet, "/v1/client/"+client.String()+"/key_package", nil, &resp); err != nil {
		return nil, err
	}
	return resp.KeyPackage, nil
}

///
/// Directory
///

type userClientsResponse struct {
	Clients []ClientRecord `json:"clients"`
}

func (r *RelayClient) GetUser(ctx context.Context, user UserID) (*UserRecord, error) {
	var rec UserRecord
	if err := r.do(ctx, http.MethodGet, "/v1/users/"+user.String(), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RelayClient) GetUserClients(ctx context.Context, user UserID) ([]ClientRecord, error) {
	var resp userClientsResponse
	if err := r.do(ctx, http.MethodGet, "/v1/users/"+user.String()+"/clients", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Clients, nil
}

///
/// Messages
///

type sendMessageRequest struct {
	Recipients []string `json:"recipients"`
	Message    []byte   `json:"message"`
}

type receiveMessagesRequest struct {
	ClientID string `json:"client_id"`
}

type receiveMessagesResponse struct {
	Messages []RelayEnvelope `json:"messages"`
}

func (r *RelayClient) Send(ctx context.Context, recipients []ClientID, message []byte) error {
	if len(recipients) == 0 {
		return nil
	}
	req := sendMessageRequest{Message: message}
	for _, c := range recipients {
		req.Recipients = append(req.Recipients, c.String())
	}
	return r.do(ctx, http.MethodPost, "/v1/message", req, nil)
}

func (r *RelayClient) Receive(ctx context.Context, client ClientID) ([]RelayEnvelope, error) {
	var resp receiveMessagesResponse
	req := receiveMessagesRequest{ClientID: client.String()}
	if err := r.do(ctx, http.MethodGet, "/v1/message", req, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}
