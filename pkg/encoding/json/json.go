// Package json registers a goccy/go-json backed encoding.Codec as the
// package default, matching object.ID's own use of goccy/go-json for its
// MarshalJSON/UnmarshalJSON methods.
package json

import (
	"github.com/goccy/go-json"

	"github.com/relaycache/tavern/pkg/encoding"
)

const Name = "json"

// JSONCodec is the goccy/go-json backed encoding.Codec.
type JSONCodec struct{}

func (JSONCodec) Name() string { return Name }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.Register(JSONCodec{})
}
