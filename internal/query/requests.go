// Package query implements the similarity and distance services over
// an injected nearest-neighbor oracle.
package query

import "github.com/chagge/kge-server/internal/entity"

// DefaultLimit caps a similarity result when the caller sends none.
const DefaultLimit = 10

// EffortUnbounded is the canonical "let the oracle decide" effort.
const EffortUnbounded = -1

// Mode tells a caller how their query was identified.
type Mode string

const (
	ModeReference Mode = "reference"
	ModeEmbedding Mode = "embedding"
)

// Query identifies the seed of a similarity search: either an entity
// reference or a raw embedding vector, never both. Build one with
// ByReference or ByEmbedding; the zero Query is invalid.
type Query struct {
	mode   Mode
	ref    string
	vector []float32
}

// ByReference seeds a search with an entity already in the dataset.
func ByReference(ref string) Query {
	return Query{mode: ModeReference, ref: ref}
}

// ByEmbedding seeds a search with an arbitrary vector.
func ByEmbedding(vector []float32) Query {
	return Query{mode: ModeEmbedding, vector: vector}
}

// Mode returns how the query identifies its seed, "" for the zero
// Query.
func (q Query) Mode() Mode { return q.mode }

// Ref returns the seed reference of a by-reference query.
func (q Query) Ref() string { return q.ref }

// Vector returns the seed vector of a by-embedding query.
func (q Query) Vector() []float32 { return q.vector }

// SimilarityRequest asks for the nearest entities to a seed.
type SimilarityRequest struct {
	Dataset string
	Query   Query
	Limit   int // <= 0 means DefaultLimit
	Effort  int // <= 0 means EffortUnbounded
}

// Match is one similarity result. Entity metadata is best effort and
// may be partially empty.
type Match struct {
	Entity   entity.Metadata `json:"entity"`
	Distance float32         `json:"distance"`
}

// Seed echoes the query identity back to the caller: the resolved
// entity for by-reference searches, the raw vector for by-embedding
// ones.
type Seed struct {
	Entity *entity.Metadata `json:"entity,omitempty"`
	Vector []float32        `json:"vector,omitempty"`
}

// SimilarityResult echoes how the query ran alongside its matches.
type SimilarityResult struct {
	Dataset string  `json:"dataset"`
	Mode    Mode    `json:"mode"`
	Seed    Seed    `json:"seed"`
	Effort  int     `json:"search_effort"`
	Count   int     `json:"count"`
	Matches []Match `json:"matches"`
}

// DistanceRequest asks for the metric scalar between exactly two
// entities of one dataset.
type DistanceRequest struct {
	Dataset string
	Refs    []string
}

// DistanceResult reports the oracle's scalar untouched.
type DistanceResult struct {
	Dataset  string    `json:"dataset"`
	Refs     [2]string `json:"entities"`
	Distance float32   `json:"distance"`
}
