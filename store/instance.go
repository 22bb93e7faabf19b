package store

import "github.com/google/uuid"

// NewInstancePrefix generates a per-ProcessGroup key namespace, the way
// original_source's ProcessGroupGloo.cpp prefixes every store key by its
// own sequence number so multiple process groups can share one store
// without colliding.
func NewInstancePrefix() string {
	return "pg/" + uuid.NewString() + "/"
}
