// Package permission decides whether a user, given their assigned roles,
// may perform an operation on a resource. It is a pure decision component:
// it never consults the approval workflow or the audit ledger, and the API
// layer composes the three.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"stagegate.org/internal/kv"
	"stagegate.org/internal/obs"
)

// ErrRoleNotFound is returned when assigning a role that was never defined.
var ErrRoleNotFound = errors.New("permission: role not found")

// Marker roles that bypass every permission check. This is an intentional
// escape hatch: holders pass Can for all levels, types, and instances. The
// markers are implicitly defined and assignable without a prior DefineRole.
const (
	MarkerAdmin     = "admin"
	MarkerSuperuser = "superuser"
)

const defaultStateKey = "permission/state"

// Resolver owns the role and assignment state for one deployment.
// Mutations take the write lock; Can and the other reads are safe to run
// concurrently with each other.
type Resolver struct {
	mu     sync.RWMutex
	store  kv.Store
	key    string
	strict bool

	roles   map[string]Role
	users   map[string][]string
	current string
}

type state struct {
	Roles       map[string]Role     `json:"roles"`
	Users       map[string][]string `json:"users"`
	CurrentUser string              `json:"current_user,omitempty"`
}

// Option configures resolver behavior.
type Option func(*Resolver)

// WithStateKey overrides the storage namespace key.
func WithStateKey(key string) Option {
	return func(r *Resolver) {
		if strings.TrimSpace(key) != "" {
			r.key = key
		}
	}
}

// WithStrictLoad makes a corrupt or unavailable store fail construction
// instead of degrading to an empty state with a logged warning.
func WithStrictLoad() Option {
	return func(r *Resolver) { r.strict = true }
}

// NewResolver loads existing state from the store, or starts empty when the
// namespace key has never been written.
func NewResolver(ctx context.Context, store kv.Store, opts ...Option) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("permission: store is required")
	}
	r := &Resolver{
		store: store,
		key:   defaultStateKey,
		roles: make(map[string]Role),
		users: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.load(ctx); err != nil {
		if r.strict {
			return nil, fmt.Errorf("permission: load state: %w", err)
		}
		obs.Warn("permission state unreadable, starting empty", map[string]any{"key": r.key, "error": err.Error()})
	}
	return r, nil
}

func (r *Resolver) load(ctx context.Context) error {
	data, err := r.store.Load(ctx, r.key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Roles != nil {
		r.roles = st.Roles
	}
	if st.Users != nil {
		r.users = st.Users
	}
	r.current = st.CurrentUser
	return nil
}

// persist must be called with the write lock held.
func (r *Resolver) persist(ctx context.Context) error {
	data, err := json.Marshal(state{Roles: r.roles, Users: r.users, CurrentUser: r.current})
	if err != nil {
		return err
	}
	return r.store.Save(ctx, r.key, data)
}

// DefineRole registers or overwrites a role. Overwriting is deliberate
// last-write-wins; there is no merge and no error on redefinition.
func (r *Resolver) DefineRole(ctx context.Context, role Role) error {
	if strings.TrimSpace(role.ID) == "" {
		return errors.New("permission: role id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role.ID] = role
	return r.persist(ctx)
}

// RoleByID returns the definition of a role, if present.
func (r *Resolver) RoleByID(roleID string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[roleID]
	return role, ok
}

// AssignRole links a defined role to a user. Assigning an already-held role
// is a no-op beyond persistence; an undefined role is ErrRoleNotFound.
func (r *Resolver) AssignRole(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return errors.New("permission: user id and role id are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[roleID]; !ok && roleID != MarkerAdmin && roleID != MarkerSuperuser {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
	}
	for _, held := range r.users[userID] {
		if held == roleID {
			return r.persist(ctx)
		}
	}
	r.users[userID] = append(r.users[userID], roleID)
	return r.persist(ctx)
}

// RemoveRole unlinks a role from a user. Missing user or link is a no-op.
func (r *Resolver) RemoveRole(ctx context.Context, userID, roleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	held, ok := r.users[userID]
	if !ok {
		return nil
	}
	kept := held[:0]
	for _, id := range held {
		if id != roleID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(held) {
		return nil
	}
	if len(kept) == 0 {
		delete(r.users, userID)
	} else {
		r.users[userID] = kept
	}
	return r.persist(ctx)
}

// UserRoles returns the user's role ids in assignment order.
func (r *Resolver) UserRoles(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.users[userID]...)
}

// SetCurrentUser designates the ambient user for CanCurrent checks. At most
// one current user exists per resolver instance.
func (r *Resolver) SetCurrentUser(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = strings.TrimSpace(userID)
	return r.persist(ctx)
}

// CurrentUser returns the designated ambient user, if any.
func (r *Resolver) CurrentUser() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.current != ""
}

// Can reports whether the user may perform level on the resource type, and
// optionally on a specific instance (empty resourceID means "the type in
// general"). Unknown users and unknown inputs resolve to false; Can never
// returns an error.
func (r *Resolver) Can(userID string, level Level, resourceType, resourceID string) bool {
	allowed := r.can(userID, level, resourceType, resourceID)
	obs.PermissionChecks.WithLabelValues(string(level), strconv.FormatBool(allowed)).Inc()
	return allowed
}

func (r *Resolver) can(userID string, level Level, resourceType, resourceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	held, ok := r.users[userID]
	if !ok {
		return false
	}
	for _, roleID := range held {
		if roleID == MarkerAdmin || roleID == MarkerSuperuser {
			return true
		}
	}
	for _, roleID := range held {
		role, ok := r.roles[roleID]
		if !ok {
			continue
		}
		if role.Grant(level).Allows(resourceType, resourceID) {
			return true
		}
	}
	return false
}

// CanCurrent runs Can against the designated current user.
func (r *Resolver) CanCurrent(level Level, resourceType, resourceID string) bool {
	user, ok := r.CurrentUser()
	if !ok {
		return false
	}
	return r.Can(user, level, resourceType, resourceID)
}

// UserPermissions aggregates, per level, the union of granted resource
// types and wildcards across all held roles. Entries are recorded as given:
// a wildcard does not absorb explicit entries. Order is first-seen while
// iterating roles in assignment order.
func (r *Resolver) UserPermissions(userID string) map[Level][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Level][]string, len(Levels))
	for _, level := range Levels {
		seen := make(map[string]struct{})
		values := []string{}
		for _, roleID := range r.users[userID] {
			role, ok := r.roles[roleID]
			if !ok {
				continue
			}
			for _, v := range role.Grant(level).Values() {
				if _, dup := seen[v]; dup {
					continue
				}
				seen[v] = struct{}{}
				values = append(values, v)
			}
		}
		out[level] = values
	}
	return out
}
