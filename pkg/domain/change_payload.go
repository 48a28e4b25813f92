package domain

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// ChangePayload wraps the JSON snapshot of a record before or after a change.
// Rules read individual properties with Value; callers that need the full
// entity decode it with DecodePayload.
type ChangePayload struct {
	defined bool
	raw     json.RawMessage
}

// NewChangePayload builds a payload wrapper from raw JSON. The bytes are cloned
// so later writes to the store buffer cannot leak into the change log.
func NewChangePayload(raw json.RawMessage) ChangePayload {
	payload := ChangePayload{defined: true}
	if raw != nil {
		payload.raw = cloneRawMessage(raw)
	}
	return payload
}

// UndefinedChangePayload returns an uninitialized payload wrapper.
func UndefinedChangePayload() ChangePayload {
	return ChangePayload{}
}

// Defined reports whether the payload has been initialized.
func (p ChangePayload) Defined() bool {
	return p.defined
}

// IsEmpty reports whether the payload contains no bytes.
func (p ChangePayload) IsEmpty() bool {
	return !p.defined || len(p.raw) == 0
}

// Raw returns a cloned copy of the underlying JSON bytes.
func (p ChangePayload) Raw() json.RawMessage {
	if p.IsEmpty() {
		return nil
	}
	return cloneRawMessage(p.raw)
}

// Value returns the property value stored under name, or nil when absent.
func (p ChangePayload) Value(name string) any {
	if p.IsEmpty() {
		return nil
	}
	res := gjson.GetBytes(p.raw, gjsonPath(name))
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

// DecodePayload unmarshals the payload into a typed entity.
func DecodePayload[T any](p ChangePayload) (T, error) {
	var out T
	if p.IsEmpty() {
		return out, nil
	}
	err := json.Unmarshal(p.raw, &out)
	return out, err
}

func cloneRawMessage(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cloned := make(json.RawMessage, len(raw))
	copy(cloned, raw)
	return cloned
}
