// Package router defines the message envelope exchanged between the page,
// the relay and the background, and dispatches requests to a fixed handler
// table.
package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Source string

const (
	SourceRequest  Source = "PAGE_REQUEST"
	SourceResponse Source = "PAGE_RESPONSE"
)

const (
	fieldSource    = "source"
	fieldMessageID = "messageId"
	fieldType      = "type"
	fieldError     = "error"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Request is { "source": "PAGE_REQUEST", "messageId": n, "type": kind, ...payload }.
type Request struct {
	Source    Source
	MessageID int64
	Type      RequestKind
	Payload   map[string]json.RawMessage
}

// NewRequest builds a request whose payload is the JSON object of payload.
func NewRequest(id int64, kind RequestKind, payload any) (Request, error) {
	fields, err := objectFields(payload)
	if err != nil {
		return Request{}, err
	}
	delete(fields, fieldSource)
	delete(fields, fieldMessageID)
	delete(fields, fieldType)
	return Request{Source: SourceRequest, MessageID: id, Type: kind, Payload: fields}, nil
}

// Decode unmarshals the flattened payload into dst.
func (r Request) Decode(dst any) error {
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (r Request) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Payload)+3)
	for k, v := range r.Payload {
		out[k] = v
	}
	out[fieldSource] = r.Source
	out[fieldMessageID] = r.MessageID
	out[fieldType] = r.Type
	return json.Marshal(out)
}

func (r *Request) UnmarshalJSON(b []byte) error {
	fields, err := rawFields(b)
	if err != nil {
		return err
	}

	var hdr struct {
		Source    Source      `json:"source"`
		MessageID json.Number `json:"messageId"`
		Type      RequestKind `json:"type"`
	}
	if err := decodeHeader(b, &hdr); err != nil {
		return err
	}
	id, err := hdr.MessageID.Int64()
	if err != nil {
		return fmt.Errorf("%w: messageId: %v", ErrMalformedEnvelope, err)
	}

	delete(fields, fieldSource)
	delete(fields, fieldMessageID)
	delete(fields, fieldType)

	*r = Request{Source: hdr.Source, MessageID: id, Type: hdr.Type, Payload: fields}
	return nil
}

// Response is { "source": "PAGE_RESPONSE", "messageId": n, ...result } or
// { "source": "PAGE_RESPONSE", "messageId": n, "error": msg }.
type Response struct {
	Source    Source
	MessageID int64
	Error     string
	Result    map[string]json.RawMessage
}

// NewResponse flattens result (a JSON object, or nil) into a response.
func NewResponse(id int64, result any) (Response, error) {
	fields, err := objectFields(result)
	if err != nil {
		return Response{}, err
	}
	delete(fields, fieldSource)
	delete(fields, fieldMessageID)
	delete(fields, fieldError)
	return Response{Source: SourceResponse, MessageID: id, Result: fields}, nil
}

func ErrorResponse(id int64, msg string) Response {
	return Response{Source: SourceResponse, MessageID: id, Error: msg}
}

// Decode unmarshals the flattened result into dst.
func (r Response) Decode(dst any) error {
	b, err := json.Marshal(r.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func (r Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Result)+3)
	for k, v := range r.Result {
		out[k] = v
	}
	out[fieldSource] = r.Source
	out[fieldMessageID] = r.MessageID
	if r.Error != "" {
		out[fieldError] = r.Error
	}
	return json.Marshal(out)
}

func (r *Response) UnmarshalJSON(b []byte) error {
	fields, err := rawFields(b)
	if err != nil {
		return err
	}

	var hdr struct {
		Source    Source      `json:"source"`
		MessageID json.Number `json:"messageId"`
		Error     string      `json:"error"`
	}
	if err := decodeHeader(b, &hdr); err != nil {
		return err
	}
	id, err := hdr.MessageID.Int64()
	if err != nil {
		return fmt.Errorf("%w: messageId: %v", ErrMalformedEnvelope, err)
	}

	delete(fields, fieldSource)
	delete(fields, fieldMessageID)
	delete(fields, fieldError)

	*r = Response{Source: hdr.Source, MessageID: id, Error: hdr.Error, Result: fields}
	return nil
}

// Header is the part of an envelope the relay may look at.
type Header struct {
	Source    Source
	MessageID int64
}

// PeekHeader reads source and messageId without looking at anything else.
func PeekHeader(b []byte) (Header, error) {
	var hdr struct {
		Source    Source      `json:"source"`
		MessageID json.Number `json:"messageId"`
	}
	if err := decodeHeader(b, &hdr); err != nil {
		return Header{}, err
	}
	id, err := hdr.MessageID.Int64()
	if err != nil {
		return Header{}, fmt.Errorf("%w: messageId: %v", ErrMalformedEnvelope, err)
	}
	return Header{Source: hdr.Source, MessageID: id}, nil
}

func decodeHeader(b []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}

func rawFields(b []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}
	return fields, nil
}

func objectFields(v any) (map[string]json.RawMessage, error) {
	if v == nil {
		return map[string]json.RawMessage{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}
