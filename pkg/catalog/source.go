package catalog

import (
	"context"

	"github.com/supporttools/pgzipbackup/pkg/database/common"
)

// Source retrieves the objects of one kind inside a schema. Lists come back
// in catalog order; constraints come back primary keys first and foreign
// keys last.
type Source[T Object] interface {
	List(ctx context.Context, q common.Querier, schema *Schema) ([]T, error)
	Get(ctx context.Context, q common.Querier, schema *Schema, name string) (T, error)
}

// Sources bundles one Source per object kind. The strategy is chosen once,
// when a run starts.
type Sources struct {
	Tables      Source[*Table]
	Sequences   Source[*Sequence]
	Views       Source[*View]
	Indexes     Source[*Index]
	Constraints Source[*Constraint]

	counters []discrepancyCounter
}

type discrepancyCounter interface {
	discrepancies() int
}

// Discrepancies returns the number of catalog rows skipped because their
// schema or parent table could not be matched, plus the number of window
// schemas that disappeared. Direct sources never report any.
func (s *Sources) Discrepancies() int {
	n := 0
	for _, c := range s.counters {
		n += c.discrepancies()
	}
	return n
}

type fetchFunc[T Object] func(ctx context.Context, q common.Querier, sc scope, r resolver) (*fetched[T], error)
