package lagoon

import (
	"encoding/json"
	"fmt"

	"github.com/cisco/go-mls"
	syntax "github.com/cisco/go-tls-syntax"
)

///
/// Outer wire envelope
///
/// Every blob relayed between devices is one wireMessage: a one-byte
/// content tag plus the TLS-serialized protocol message.  The tag is what
/// the reconciliation loop classifies on before any group state is
/// touched.
///

type WireContentType uint8

const (
	WireContentInvalid    WireContentType = 0
	WireContentPublic     WireContentType = 1
	WireContentPrivate    WireContentType = 2
	WireContentWelcome    WireContentType = 3
	WireContentGroupInfo  WireContentType = 4
	WireContentKeyPackage WireContentType = 5
)

func (t WireContentType) ValidForTLS() error {
	switch t {
	case WireContentPublic, WireContentPrivate, WireContentWelcome,
		WireContentGroupInfo, WireContentKeyPackage:
		return nil
	}
	return fmt.Errorf("lagoon.wire: unknown wire content type %d", t)
}

type wireMessage struct {
	ContentType WireContentType
	Payload     []byte `tls:"head=4"`
}

func encodeWire(contentType WireContentType, inner interface{}) ([]byte, error) {
	payload, err := syntax.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("lagoon.wire: inner marshal failure: %v", err)
	}
	data, err := syntax.Marshal(wireMessage{ContentType: contentType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("lagoon.wire: envelope marshal failure: %v", err)
	}
	return data, nil
}

func decodeWire(data []byte) (*wireMessage, error) {
	var msg wireMessage
	if _, err := syntax.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("lagoon.wire: envelope unmarshal failure: %v", err)
	}
	return &msg, nil
}

func (m *wireMessage) Public() (*mls.MLSPlaintext, error) {
	var pt mls.MLSPlaintext
	if _, err := syntax.Unmarshal(m.Payload, &pt); err != nil {
		return nil, fmt.Errorf("lagoon.wire: plaintext unmarshal failure: %v", err)
	}
	return &pt, nil
}

func (m *wireMessage) Private() (*mls.MLSCiphertext, error) {
	var ct mls.MLSCiphertext
	if _, err := syntax.Unmarshal(m.Payload, &ct); err != nil {
		return nil, fmt.Errorf("lagoon.wire: ciphertext unmarshal failure: %v", err)
	}
	return &ct, nil
}

func (m *wireMessage) Welcome() (*mls.Welcome, error) {
	var w mls.Welcome
	if _, err := syntax.Unmarshal(m.Payload, &w); err != nil {
		return nil, fmt.Errorf("lagoon.wire: welcome unmarshal failure: %v", err)
	}
	return &w, nil
}

///
/// Application payloads
///
/// Application messages carry a closed, tagged payload union, decoded
/// once at the boundary.  JSON keeps this aligned with the relay's wire
/// contract and spares the float coordinates a fixed-point detour.
///

type PayloadType string

const (
	PayloadTypeLocation    PayloadType = "location"
	PayloadTypeGroupStatus PayloadType = "group_status"
)

// LocationUpdate is a self-reported position of the sending device.  The
// sender names its own client id; group membership is what authenticates
// the claim.
type LocationUpdate struct {
	ClientID   string  `json:"client_id"`
	Longitude  float64 `json:"longitude"`
	Latitude   float64 `json:"latitude"`
	RecordedAt int64   `json:"recorded_at"`
}

// GroupStatus carries group metadata; nil fields leave the current value
// untouched.
type GroupStatus struct {
	Name  *string `json:"name,omitempty"`
	Image []byte  `json:"image,omitempty"`
}

type applicationPayload struct {
	Type        PayloadType      `json:"type"`
	Location    *LocationUpdate  `json:"location,omitempty"`
	GroupStatus *GroupStatus     `json:"group_status,omitempty"`
}

func encodeLocationPayload(loc LocationUpdate) ([]byte, error) {
	return json.Marshal(applicationPayload{Type: PayloadTypeLocation, Location: &loc})
}

func encodeGroupStatusPayload(status GroupStatus) ([]byte, error) {
	return json.Marshal(applicationPayload{Type: PayloadTypeGroupStatus, GroupStatus: &status})
}

func decodeApplicationPayload(data []byte) (*applicationPayload, error) {
	var p applicationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("lagoon.wire: application payload decode failure: %v", err)
	}
	switch p.Type {
	case PayloadTypeLocation:
		if p.Location == nil {
			return nil, fmt.Errorf("lagoon.wire: location payload missing body")
		}
	case PayloadTypeGroupStatus:
		if p.GroupStatus == nil {
			return nil, fmt.Errorf("lagoon.wire: group status payload missing body")
		}
	default:
		return nil, fmt.Errorf("lagoon.wire: unknown payload type %q", p.Type)
	}
	return &p, nil
}
