package access

import (
	"context"
	"fmt"

	"github.com/sunnyfields/scada-core/internal/core"
	"github.com/sunnyfields/scada-core/internal/store"
)

// Principal is the access-control identity of a request, grounded on
// access_control_service.py's User/AppClient distinction (spec.md
// §4.H "Principals").
type Principal struct {
	UserID      *int64
	RoleIDs     []int64
	Permissions []string // e.g. "users:admin", "roles:admin"
}

// isAdminBypass reports whether p's permission set grants the
// unconditional bypass named in spec.md §4.H.
func (p Principal) isAdminBypass() bool {
	for _, perm := range p.Permissions {
		if perm == "users:admin" || perm == "roles:admin" {
			return true
		}
	}
	return false
}

// TreeLookup is re-declared here to avoid an import of internal/alarm
// purely for a function type; both packages read the same cached tree
// from internal/store's TreeCache.
type TreeLookup func() *core.Tree

// Service computes EffectiveAccess per request. Grounded on
// access_control_service.py's AccessControlService; query methods are
// deliberately uncached per spec.md §4.H's query contract.
type Service struct {
	db   *store.DB
	tree TreeLookup
}

// New constructs a Service. No I/O performed at construction (§9).
func New(db *store.DB, tree TreeLookup) *Service {
	return &Service{db: db, tree: tree}
}

// EffectiveAccess computes access for a principal: admin bypass short
// circuits to AllAccess, otherwise grants are loaded and reduced via
// Compute (spec.md §4.H algorithm steps 1-5).
func (s *Service) EffectiveAccess(ctx context.Context, p Principal) (*EffectiveAccess, error) {
	tree := s.tree()
	if tree == nil {
		return empty(), nil
	}
	if p.isAdminBypass() {
		return AllAccess(tree), nil
	}

	grants, err := s.db.LoadGrants(ctx, p.RoleIDs, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("access: load grants: %w", err)
	}
	return Compute(tree, grants), nil
}

// CanRead/CanWrite are convenience one-shot checks that compute
// EffectiveAccess and immediately query it; callers making several
// checks for one request should call EffectiveAccess once and reuse
// the result instead (spec.md §4.H: "computed lazily per request").
func (s *Service) CanRead(ctx context.Context, p Principal, resourceType core.GrantResourceType, id int64) (bool, error) {
	ea, err := s.EffectiveAccess(ctx, p)
	if err != nil {
		return false, err
	}
	return ea.CanRead(resourceType, id), nil
}

func (s *Service) CanWrite(ctx context.Context, p Principal, resourceType core.GrantResourceType, id int64) (bool, error) {
	ea, err := s.EffectiveAccess(ctx, p)
	if err != nil {
		return false, err
	}
	return ea.CanWrite(resourceType, id), nil
}
