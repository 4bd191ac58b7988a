// Package prefix implements the key-prefix partitioning policy that bounds
// every range query to a single partition of the keyspace.
//
// Kubernetes' apiserver lays every object out under /registry/<resource>/...,
// with custom resources nested one segment deeper as
// /registry/<group>/<resource>/... (the group segment is recognized by
// containing a '.'). Splitting on that boundary means a namespace-scoped
// List (which ranges over /registry/pods/<namespace>/) never has to touch
// any other resource's data, and the reverse: a single prefix never spans
// more than one resource type.
package prefix

import (
	"bytes"
	"fmt"
)

// Split divides key into a partition prefix and the suffix that the
// partition's ordered index should actually be keyed on. Keys that don't
// look like Kubernetes registry keys fall back to an empty prefix (the
// caller ends up with one big partition for everything else).
func Split(key []byte) (p, suffix []byte) {
	if !bytes.HasPrefix(key, []byte("/registry/")) {
		return nil, key
	}
	segments := bytes.SplitN(key, []byte("/"), 5)
	if len(segments) == 1 {
		return nil, key
	}

	lastSegment := 3
	if bytes.Contains(segments[2], []byte(".")) {
		lastSegment = 4
	}
	if lastSegment > len(segments)-1 {
		lastSegment = len(segments) - 1
	}

	prefixEnd := 0
	for i := 0; i < lastSegment; i++ {
		prefixEnd += len(segments[i]) + 1 // +1 for the '/' split on
	}
	return key[:prefixEnd], key[prefixEnd:]
}

// Bounds describes a suffix range to search within a single partition.
// Exactly one of three shapes applies:
//   - Exact: match only the single suffix equal to Lo (a single-key Range
//     request, i.e. end == "").
//   - Unbounded: match every suffix >= Lo.
//   - otherwise: match suffixes in [Lo, Hi).
type Bounds struct {
	Lo        []byte
	Hi        []byte
	Exact     bool
	Unbounded bool
}

// RangeBounds resolves an etcd-style [start, end) key range into the single
// partition it falls within plus the suffix bounds to search inside that
// partition's index. It returns an error if start and end fall in different
// partitions, except for the common "prefix scan" idiom of end = start's
// prefix with its last byte incremented (e.g. end = "/registry/pods0" for
// start = "/registry/pods/"), which etcd clients use to mean "everything
// under this prefix" and which this function translates into an unbounded
// range within start's partition.
func RangeBounds(start, end []byte) (p []byte, bounds Bounds, err error) {
	startPrefix, startSuffix := Split(start)

	if len(end) == 0 {
		return startPrefix, Bounds{Lo: startSuffix, Exact: true}, nil
	}

	endPrefix, endSuffix := Split(end)
	if !bytes.Equal(startPrefix, endPrefix) {
		if len(endSuffix) > 0 {
			endSuffixWithoutLast := endSuffix[:len(endSuffix)-1]
			if endSuffix[len(endSuffix)-1] == '0' &&
				bytes.Equal(startPrefix, concat(endPrefix, endSuffixWithoutLast, []byte("/"))) {
				return startPrefix, Bounds{Lo: startSuffix, Unbounded: true}, nil
			}
		}
		return nil, Bounds{}, fmt.Errorf("keys must be in the same prefix: start: %s, end: %s", startPrefix, endPrefix)
	}

	return startPrefix, Bounds{Lo: startSuffix, Hi: endSuffix}, nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
