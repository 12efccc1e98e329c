package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PermissionState tags which variant a PermissionContext holds.
type PermissionState string

const (
	PermissionStatePending PermissionState = "pending"
	PermissionStateEncoded PermissionState = "encoded"
)

var ErrInvalidPermissionContext = errors.New("invalid permission context")

// PermissionContext is the signed delegation grant attached to a card stack.
// It is either Pending (the owner has not signed yet) or Encoded (opaque grant bytes).
// The zero value is Pending.
type PermissionContext struct {
	encoded []byte
}

// PendingPermission returns the Pending variant.
func PendingPermission() PermissionContext {
	return PermissionContext{}
}

// EncodedPermission returns the Encoded variant holding a copy of data.
func EncodedPermission(data []byte) (PermissionContext, error) {
	if len(data) == 0 {
		return PermissionContext{}, fmt.Errorf("%w: empty grant", ErrInvalidPermissionContext)
	}
	return PermissionContext{encoded: bytes.Clone(data)}, nil
}

// ParsePermissionHex decodes a 0x-prefixed hex grant into the Encoded variant.
func ParsePermissionHex(raw string) (PermissionContext, error) {
	raw = strings.TrimSpace(raw)
	data, err := hexutil.Decode(raw)
	if err != nil {
		return PermissionContext{}, fmt.Errorf("%w: %v", ErrInvalidPermissionContext, err)
	}
	return EncodedPermission(data)
}

func (p PermissionContext) State() PermissionState {
	if len(p.encoded) == 0 {
		return PermissionStatePending
	}
	return PermissionStateEncoded
}

func (p PermissionContext) IsEncoded() bool {
	return len(p.encoded) > 0
}

// Bytes returns a copy of the grant, or nil when Pending.
func (p PermissionContext) Bytes() []byte {
	if len(p.encoded) == 0 {
		return nil
	}
	return bytes.Clone(p.encoded)
}

// Hex returns the 0x-prefixed grant, or "" when Pending.
func (p PermissionContext) Hex() string {
	if len(p.encoded) == 0 {
		return ""
	}
	return hexutil.Encode(p.encoded)
}

type permissionJSON struct {
	State PermissionState `json:"state"`
	Data  string          `json:"data,omitempty"`
}

func (p PermissionContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(permissionJSON{State: p.State(), Data: p.Hex()})
}

func (p *PermissionContext) UnmarshalJSON(raw []byte) error {
	var payload permissionJSON
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPermissionContext, err)
	}
	switch payload.State {
	case PermissionStatePending:
		if payload.Data != "" {
			return fmt.Errorf("%w: pending grant carries data", ErrInvalidPermissionContext)
		}
		*p = PendingPermission()
		return nil
	case PermissionStateEncoded:
		parsed, err := ParsePermissionHex(payload.Data)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidPermissionContext, payload.State)
	}
}
