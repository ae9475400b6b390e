package cache

import (
	"slices"
	"strings"

	"github.com/gomlx/devgraph/types/tensors"
	"github.com/gomlx/exceptions"
	"golang.org/x/exp/maps"
)

// ShapeKey is the canonical identity of an input's structure: it depends only on shapes
// (dimensions and element type) and, for named collections, the names -- never on data
// values. It is an ordinary comparable, ordered string, so it can index a map directly.
type ShapeKey string

// KeyForTensor derives the ShapeKey of a single tensor input.
func KeyForTensor(t *tensors.Tensor) ShapeKey {
	if t == nil {
		exceptions.Panicf("cache.KeyForTensor: nil tensor")
	}
	return ShapeKey(t.Shape().String())
}

// KeyForFeeds derives the ShapeKey of a named collection of tensors.
//
// Names are sorted before concatenation, so the key is independent of the map's
// (randomized) iteration order: two semantically identical feed sets always derive the
// same key. Any difference in names, in the number of entries or in any shape yields a
// different key.
func KeyForFeeds(feeds Feeds) ShapeKey {
	if len(feeds) == 0 {
		exceptions.Panicf("cache.KeyForFeeds: empty feeds")
	}
	names := maps.Keys(feeds)
	slices.Sort(names)
	var b strings.Builder
	for ii, name := range names {
		t := feeds[name]
		if t == nil {
			exceptions.Panicf("cache.KeyForFeeds: feed %q is nil", name)
		}
		if ii > 0 {
			b.WriteByte(';')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(t.Shape().String())
	}
	return ShapeKey(b.String())
}

// DeriveKey derives the ShapeKey for either a single tensor or a named collection.
// Anything else is a programmer error and panics.
func DeriveKey(input any) ShapeKey {
	switch v := input.(type) {
	case *tensors.Tensor:
		return KeyForTensor(v)
	case Feeds:
		return KeyForFeeds(v)
	case map[string]*tensors.Tensor:
		return KeyForFeeds(v)
	}
	exceptions.Panicf("cache.DeriveKey: unsupported input type %T, must be a *tensors.Tensor or cache.Feeds", input)
	return ""
}
