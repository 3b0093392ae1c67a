// Package access decides whether an actor may act on a resource, from direct
// ownership first and team membership second.
package access

import (
	"context"
	"errors"
	"fmt"

	"profilevault.org/internal/obs"
)

var (
	ErrNotFound  = errors.New("access: not found")
	ErrForbidden = errors.New("access: forbidden")
)

// Resource is the part of a protected record the resolver looks at.
type Resource struct {
	ID      string
	OwnerID string
	TeamID  string
}

// Actor is the caller attempting an action.
type Actor struct {
	ID string
}

// MembershipSource looks up the stored role of a user in a team. found is
// false when the team does not exist or the user is not a member.
type MembershipSource interface {
	MemberRole(ctx context.Context, teamID, userID string) (role string, found bool, err error)
}

// Reason explains a denial.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonNotFound  Reason = "not_found"
	ReasonForbidden Reason = "forbidden"
)

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Reason  Reason
	IsOwner bool
	// Role is the migrated team role that granted access, if any.
	Role Role
}

// Err converts a denial into ErrNotFound or ErrForbidden.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason == ReasonNotFound {
		return ErrNotFound
	}
	return ErrForbidden
}

// Resolver answers authorization questions. It holds no state of its own.
type Resolver struct {
	members MembershipSource
}

func NewResolver(members MembershipSource) *Resolver {
	return &Resolver{members: members}
}

// Authorize checks, in order: the resource exists, the actor owns it, the
// resource belongs to a team, the actor is a member of that team, and the
// member's migrated role is allowed to perform action. Ownership short-circuits
// every team check. The returned error is set only when the membership lookup
// itself fails.
func (r *Resolver) Authorize(ctx context.Context, res *Resource, actor Actor, action Action) (Decision, error) {
	d, err := r.decide(ctx, res, actor, action)
	if err != nil {
		obs.ObserveDecision(string(action), "error")
		return Decision{}, err
	}
	if d.Allowed {
		obs.ObserveDecision(string(action), "allowed")
	} else {
		obs.ObserveDecision(string(action), string(d.Reason))
	}
	return d, nil
}

func (r *Resolver) decide(ctx context.Context, res *Resource, actor Actor, action Action) (Decision, error) {
	if res == nil {
		return Decision{Reason: ReasonNotFound}, nil
	}
	if actor.ID != "" && res.OwnerID == actor.ID {
		return Decision{Allowed: true, IsOwner: true}, nil
	}
	if res.TeamID == "" || actor.ID == "" {
		return Decision{Reason: ReasonForbidden}, nil
	}
	stored, found, err := r.members.MemberRole(ctx, res.TeamID, actor.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("access: resolve membership: %w", err)
	}
	if !found {
		return Decision{Reason: ReasonForbidden}, nil
	}
	role := MigrateRole(stored)
	if !roleAllows(action, role) {
		return Decision{Reason: ReasonForbidden, Role: role}, nil
	}
	return Decision{Allowed: true, Role: role}, nil
}
