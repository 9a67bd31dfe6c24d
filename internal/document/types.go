// Package document defines the shared canvas state: shapes, client cursors,
// hover overlays and collaborator presence, together with the named mutators
// that transform it.
//
// Mutators capture intent rather than effect. They read whatever state the
// transaction holds at apply time, so the same mutation can run optimistically
// on a client replica and later be replayed against a server-confirmed base.
package document

import "strings"

const (
	shapePrefix       = "shape/"
	clientStatePrefix = "client-state/"
)

type Shape struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Rotate float64 `json:"rotate"`
	Fill   string  `json:"fill"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UserInfo is the display metadata used to render a collaborator.
type UserInfo struct {
	Name   string `json:"name"`
	Color  string `json:"color"`
	Avatar string `json:"avatar"`
}

// ClientState is the per-client presence record. OverID is the hover overlay
// of this client: the shape it points at, or empty.
type ClientState struct {
	ID       string   `json:"id"`
	Cursor   Cursor   `json:"cursor"`
	OverID   string   `json:"overID"`
	UserInfo UserInfo `json:"userInfo"`
}

func ShapeKey(id string) string {
	return shapePrefix + id
}

func ClientStateKey(id string) string {
	return clientStatePrefix + id
}

// ShapeIDFromKey returns the shape id encoded in key, if key is a shape key.
func ShapeIDFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, shapePrefix)
}

// ClientIDFromKey returns the client id encoded in key, if key is a
// client-state key.
func ClientIDFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, clientStatePrefix)
}
