// Package presence maintains the cross-node directory of primary
// connections.
//
// Each primary connection is recorded in two mirrored sets:
//
//	node:{nodeName} ∋ "{userId}:{connectionId}"
//	user:{userId}   ∋ "{nodeName}:{connectionId}"
//
// The store is best-effort metadata. It is never consulted for
// authorization and there is no transaction spanning the two sets.
package presence

import (
	"context"
	"errors"
	"strconv"
)

// ErrUnavailable wraps every failure of the backing set store.
var ErrUnavailable = errors.New("presence: store unavailable")

// SetStore is the minimal set API the tracker needs. Removing an absent
// member or deleting an absent set must succeed.
type SetStore interface {
	SAdd(ctx context.Context, set, member string) error
	SRem(ctx context.Context, set, member string) error
	SMembers(ctx context.Context, set string) ([]string, error)
	Del(ctx context.Context, set string) error
}

// NodeSet returns the name of a node's set.
func NodeSet(node string) string { return "node:" + node }

// UserSet returns the name of a user's set.
func UserSet(userID int64) string { return "user:" + strconv.FormatInt(userID, 10) }
