// Package planstore declares the interface the core uses to resolve an
// order-plan id to its record and to write back the narrow
// status/current-price/last-updated update (spec.md §4.7, §1 — the
// order-plan CRUD store itself is an external collaborator). It also
// ships two concrete implementations: an in-memory one for tests, and
// a Postgres-backed one using jackc/pgx/v5, the driver the teacher's
// go.mod already declares but never imports.
package planstore

import (
	"context"
	"errors"

	"github.com/dhanstream/marketfeed/orderplan"
)

// ErrNotFound is returned when a plan id has no record. The Evaluator
// treats this as a Registry inconsistency (spec.md §7 error kind 4).
var ErrNotFound = errors.New("planstore: plan not found")

// Store is the interface the core consumes. Full CRUD ownership
// (creation, deletion, user-facing API) stays external per spec.md
// §1; the core only ever narrows Update to status/current-price/
// last-updated, per spec.md §3 and §4.6.
type Store interface {
	Get(ctx context.Context, id string) (orderplan.OrderPlan, error)
	List(ctx context.Context) ([]orderplan.OrderPlan, error)
	Update(ctx context.Context, plan orderplan.OrderPlan) error
}
