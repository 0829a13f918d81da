package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/metrics"
)

// Operation names used for metrics.
const (
	OpRegister   = "register"
	OpUnregister = "unregister"
	OpListNodes  = "list_nodes"
	OpSweep      = "sweep"
)

// Tracker records primary connections in the mirrored node/user sets.
type Tracker struct {
	store   SetStore
	logger  *logging.Logger
	metrics *metrics.PresenceMetrics
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger. Defaults to the global logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics enables operation metrics.
func WithMetrics(m *metrics.PresenceMetrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates a tracker backed by store.
func NewTracker(store SetStore, opts ...Option) *Tracker {
	t := &Tracker{store: store, logger: logging.Global()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Store returns the underlying set store.
func (t *Tracker) Store() SetStore { return t.store }

func (t *Tracker) record(op string, start time.Time, err error) {
	if t.metrics != nil {
		t.metrics.RecordOperation(op, time.Since(start).Seconds(), err == nil)
	}
}

func nodeMember(userID int64, connID string) string {
	return strconv.FormatInt(userID, 10) + ":" + connID
}

func userMember(node, connID string) string {
	return node + ":" + connID
}

// RegisterPrimary adds the connection to both mirrored sets. If either write
// fails both entries are removed again and an ErrUnavailable error is
// returned. The rollback is best-effort.
func (t *Tracker) RegisterPrimary(ctx context.Context, userID int64, connID, node string) (err error) {
	start := time.Now()
	defer func() { t.record(OpRegister, start, err) }()

	nodeSet, userSet := NodeSet(node), UserSet(userID)
	nm, um := nodeMember(userID, connID), userMember(node, connID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.store.SAdd(gctx, nodeSet, nm) })
	g.Go(func() error { return t.store.SAdd(gctx, userSet, um) })
	if werr := g.Wait(); werr != nil {
		t.rollback(ctx, nodeSet, nm, userSet, um)
		return fmt.Errorf("%w: register user %d on %s: %w", ErrUnavailable, userID, node, werr)
	}
	return nil
}

func (t *Tracker) rollback(ctx context.Context, nodeSet, nm, userSet, um string) {
	ctx = context.WithoutCancel(ctx)
	err := multierr.Append(
		t.store.SRem(ctx, nodeSet, nm),
		t.store.SRem(ctx, userSet, um),
	)
	if t.metrics != nil {
		t.metrics.RecordRollback()
	}
	if err != nil {
		t.logger.Warnf("presence rollback incomplete", map[string]any{
			"nodeSet": nodeSet,
			"userSet": userSet,
			"error":   err.Error(),
		})
	}
}

// UnregisterPrimary removes the connection from both sets. Entries that are
// already gone count as removed.
func (t *Tracker) UnregisterPrimary(ctx context.Context, userID int64, connID, node string) (err error) {
	start := time.Now()
	defer func() { t.record(OpUnregister, start, err) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.store.SRem(gctx, NodeSet(node), nodeMember(userID, connID)) })
	g.Go(func() error { return t.store.SRem(gctx, UserSet(userID), userMember(node, connID)) })
	if werr := g.Wait(); werr != nil {
		return fmt.Errorf("%w: unregister user %d on %s: %w", ErrUnavailable, userID, node, werr)
	}
	return nil
}

// ListNodesForUser returns the sorted, distinct node names currently
// holding a primary connection for the user.
func (t *Tracker) ListNodesForUser(ctx context.Context, userID int64) (nodes []string, err error) {
	start := time.Now()
	defer func() { t.record(OpListNodes, start, err) }()

	members, err := t.store.SMembers(ctx, UserSet(userID))
	if err != nil {
		return nil, fmt.Errorf("%w: list nodes for user %d: %w", ErrUnavailable, userID, err)
	}

	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		// Node names may contain ':' but connection ids do not.
		i := strings.LastIndexByte(m, ':')
		if i <= 0 {
			continue
		}
		node := m[:i]
		if _, ok := seen[node]; ok {
			continue
		}
		seen[node] = struct{}{}
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes, nil
}

// SweepOwnStaleEntries removes every entry this node left behind in a
// previous run. It must run before the node accepts connections, since any
// entry in node:{node} at that point is from a dead process. The node set
// is cleared only after every mirrored user entry was removed, so a failed
// sweep can simply be retried. It returns the number of entries swept.
func (t *Tracker) SweepOwnStaleEntries(ctx context.Context, node string) (swept int, err error) {
	start := time.Now()
	defer func() { t.record(OpSweep, start, err) }()

	nodeSet := NodeSet(node)
	members, err := t.store.SMembers(ctx, nodeSet)
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %w", ErrUnavailable, nodeSet, err)
	}

	var errs error
	for _, m := range members {
		rawUser, connID, ok := strings.Cut(m, ":")
		userID, perr := strconv.ParseInt(rawUser, 10, 64)
		if !ok || perr != nil || connID == "" {
			t.logger.Warnf("skipping malformed presence entry", map[string]any{
				"set":    nodeSet,
				"member": m,
			})
			continue
		}
		if rerr := t.store.SRem(ctx, UserSet(userID), userMember(node, connID)); rerr != nil {
			errs = multierr.Append(errs, fmt.Errorf("user %d: %w", userID, rerr))
			continue
		}
		swept++
	}
	if errs != nil {
		return swept, fmt.Errorf("%w: sweep %s: %w", ErrUnavailable, nodeSet, errs)
	}

	if err := t.store.Del(ctx, nodeSet); err != nil {
		return swept, fmt.Errorf("%w: clear %s: %w", ErrUnavailable, nodeSet, err)
	}
	if t.metrics != nil {
		t.metrics.RecordSwept(swept)
	}
	t.logger.Infof("swept stale presence entries", map[string]any{
		"node":  node,
		"swept": swept,
	})
	return swept, nil
}
