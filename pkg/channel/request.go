// Copyright 2025 Lumastream
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package channel carries the control-plane request/response and notification
// surface. Framing and transport of the channel itself belong to the caller;
// this package only models requests, their single Accept/Reject resolution,
// and uplink notifications.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Method ids recognised by consumers.
const (
	MethodConsumerDump               = "consumer.dump"
	MethodConsumerGetStats           = "consumer.getStats"
	MethodConsumerPause              = "consumer.pause"
	MethodConsumerResume             = "consumer.resume"
	MethodConsumerRequestKeyFrame    = "consumer.requestKeyFrame"
	MethodConsumerEnablePacketEvent  = "consumer.enablePacketEvent"
	MethodConsumerSetPreferredLayers = "consumer.setPreferredLayers"
)

var ErrRequestAlreadyReplied = errors.New("request already replied")

// TypeError marks a request carrying malformed or ill-typed data. The
// dispatch boundary maps it to a distinct error name on the wire so callers
// can tell caller bugs from worker errors.
type TypeError struct {
	reason string
}

func NewTypeError(format string, args ...interface{}) *TypeError {
	return &TypeError{reason: fmt.Sprintf(format, args...)}
}

func (e *TypeError) Error() string {
	return e.reason
}

// ResponseSink receives the serialized response for a request. There is
// exactly one response per request.
type ResponseSink func(response []byte)

// Request is a single control-plane request. HandlerID addresses the target
// entity (consumer id); Data carries the method payload verbatim.
type Request struct {
	ID        uint32          `json:"id"`
	Method    string          `json:"method"`
	HandlerID string          `json:"handlerId"`
	Data      json.RawMessage `json:"data,omitempty"`

	sink    ResponseSink
	replied bool
}

// ParseRequest decodes a raw control message into a Request bound to sink.
func ParseRequest(body []byte, sink ResponseSink) (*Request, error) {
	req := &Request{}
	if err := json.Unmarshal(body, req); err != nil {
		return nil, NewTypeError("malformed request: %v", err)
	}
	if req.Method == "" {
		return nil, NewTypeError("missing method")
	}
	req.sink = sink
	return req, nil
}

// NewRequest builds a request directly, bypassing JSON decode. Used by tests
// and in-process callers.
func NewRequest(id uint32, method, handlerID string, data json.RawMessage, sink ResponseSink) *Request {
	return &Request{
		ID:        id,
		Method:    method,
		HandlerID: handlerID,
		Data:      data,
		sink:      sink,
	}
}

type acceptedResponse struct {
	ID       uint32      `json:"id"`
	Accepted bool        `json:"accepted"`
	Data     interface{} `json:"data,omitempty"`
}

type errorResponse struct {
	ID     uint32 `json:"id"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Accept resolves the request successfully, optionally carrying data.
func (r *Request) Accept(data interface{}) {
	if r.replied {
		panic(ErrRequestAlreadyReplied)
	}
	r.replied = true

	body, err := json.Marshal(acceptedResponse{ID: r.ID, Accepted: true, Data: data})
	if err != nil {
		// Data supplied by the worker itself; a marshal failure here is a bug.
		panic(err)
	}
	if r.sink != nil {
		r.sink(body)
	}
}

// Reject resolves the request with an error. A *TypeError keeps its error
// name; anything else is reported as a generic Error.
func (r *Request) Reject(cause error) {
	if r.replied {
		panic(ErrRequestAlreadyReplied)
	}
	r.replied = true

	name := "Error"
	var typeErr *TypeError
	if errors.As(cause, &typeErr) {
		name = "TypeError"
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	body, _ := json.Marshal(errorResponse{ID: r.ID, Error: name, Reason: reason})
	if r.sink != nil {
		r.sink(body)
	}
}

// Replied reports whether the request has been resolved.
func (r *Request) Replied() bool {
	return r.replied
}
