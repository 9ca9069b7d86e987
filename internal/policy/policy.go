// Package policy decides whether a caller may perform a daemon action.
package policy

import (
	"context"
	"os/user"
	"slices"
	"strconv"
	"strings"

	"github.com/sigreer/diskd/internal/config"
)

// Action ids checked by the daemon
const (
	ActionRefresh        = "diskd.refresh"
	ActionMountState     = "diskd.mount-state"
	ActionInhibitPolling = "diskd.inhibit-polling"
)

// Caller identifies the process on the other end of a request
type Caller struct {
	UID uint32
	GID uint32
	PID int32
}

type callerKey struct{}

// WithCaller attaches the caller identity to ctx
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller attached by the transport, if any
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Backend answers authorization questions
type Backend interface {
	IsAuthorized(ctx context.Context, caller Caller, actionID string) (bool, error)
}

// Rules is a Backend driven by configured rules. Root may do anything,
// everyone else is denied unless a rule matches. A rule action ending in
// ".*" matches every action under that prefix.
type Rules struct {
	rules []config.Rule
	// groupsOf returns the supplementary group ids of uid
	groupsOf func(uid uint32) []uint32
}

func NewRules(rules []config.Rule) *Rules {
	return &Rules{rules: rules, groupsOf: lookupGroups}
}

// IsAuthorized implements Backend
func (r *Rules) IsAuthorized(_ context.Context, caller Caller, actionID string) (bool, error) {
	if caller.UID == 0 {
		return true, nil
	}

	var groups []uint32
	for _, rule := range r.rules {
		if !matchAction(rule.Action, actionID) {
			continue
		}
		if rule.AllowAny || slices.Contains(rule.UIDs, caller.UID) || slices.Contains(rule.GIDs, caller.GID) {
			return true, nil
		}
		if len(rule.GIDs) == 0 {
			continue
		}
		if groups == nil {
			groups = r.groupsOf(caller.UID)
		}
		for _, g := range groups {
			if slices.Contains(rule.GIDs, g) {
				return true, nil
			}
		}
	}
	return false, nil
}

func matchAction(pattern, actionID string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(actionID, prefix+".")
	}
	return pattern == actionID
}

func lookupGroups(uid uint32) []uint32 {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return []uint32{}
	}
	ids, err := u.GroupIds()
	if err != nil {
		return []uint32{}
	}
	groups := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if g, err := strconv.ParseUint(id, 10, 32); err == nil {
			groups = append(groups, uint32(g))
		}
	}
	return groups
}
