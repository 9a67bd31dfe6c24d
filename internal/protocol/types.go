// Package protocol holds the pull/push wire types shared by the client
// engine, the synchronization bridge and the authoritative server.
package protocol

import (
	"context"
	"encoding/json"
)

// Cookie is an opaque reconciliation checkpoint. Only the server interprets
// it; clients echo the last one they received. Empty means no checkpoint yet.
type Cookie string

const (
	PullVersion   = 0
	PushVersion   = 0
	SchemaVersion = ""

	// SuperPokeEvent is the push-channel event carrying a pre-delivered
	// pull response.
	SuperPokeEvent = "super-poke"
)

// Patch operation kinds.
const (
	OpPut   = "put"
	OpDel   = "del"
	OpClear = "clear"
)

type PullRequest struct {
	ClientID       string `json:"clientID"`
	Cookie         Cookie `json:"cookie"`
	LastMutationID int64  `json:"lastMutationID"`
	PullVersion    int    `json:"pullVersion"`
	SchemaVersion  string `json:"schemaVersion"`
}

type PatchOp struct {
	Op    string          `json:"op" msgpack:"op"`
	Key   string          `json:"key,omitempty" msgpack:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty" msgpack:"value,omitempty"`
}

type PullResponse struct {
	Cookie         Cookie    `json:"cookie" msgpack:"cookie"`
	LastMutationID int64     `json:"lastMutationID" msgpack:"lastMutationID"`
	Patch          []PatchOp `json:"patch" msgpack:"patch"`
}

// HTTPRequestInfo reports how the transport answered, independent of the
// response body.
type HTTPRequestInfo struct {
	HTTPStatusCode int    `json:"httpStatusCode"`
	ErrorMessage   string `json:"errorMessage"`
}

// PullerResult is what a Puller hands back to the engine. Response is nil
// when the request failed at the HTTP level.
type PullerResult struct {
	Response        *PullResponse
	HTTPRequestInfo HTTPRequestInfo
}

// OK reports whether the result carries a usable response.
func (r PullerResult) OK() bool {
	return r.Response != nil && r.HTTPRequestInfo.HTTPStatusCode == 200
}

// Puller performs one reconciliation fetch.
type Puller func(ctx context.Context, req *PullRequest) (PullerResult, error)

type Mutation struct {
	ID   int64           `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type PushRequest struct {
	ClientID      string     `json:"clientID"`
	Mutations     []Mutation `json:"mutations"`
	PushVersion   int        `json:"pushVersion"`
	SchemaVersion string     `json:"schemaVersion"`
}

// Pusher delivers pending mutations to the authoritative server.
type Pusher func(ctx context.Context, req *PushRequest) (HTTPRequestInfo, error)

// SuperPoke is a pull response delivered over the push channel ahead of the
// pull that would have fetched it. LastCookie is the request cookie it answers.
type SuperPoke struct {
	LastCookie Cookie        `json:"lastCookie" msgpack:"lastCookie"`
	Response   *PullResponse `json:"response" msgpack:"response"`
}
