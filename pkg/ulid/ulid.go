// Package `ulid` is the subset of `oklog/ulid` that we use to tag runs.
package ulid

import (
	crand "crypto/rand"

	"github.com/oklog/ulid"
)

// `I` is an `oklog/ulid.ULID`.
type I = ulid.ULID

func New() (I, error) {
	return ulid.New(ulid.Now(), crand.Reader)
}
