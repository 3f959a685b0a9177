package store

import (
	"context"

	"github.com/doug-martin/goqu/v9"
)

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

func execTx(ctx context.Context, tx *goqu.TxDatabase, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// externalIDs collects the non-empty external ids from a batch.
func externalIDs[T any](batch []T, id func(T) string) []string {
	ret := make([]string, 0, len(batch))
	for _, item := range batch {
		if eid := id(item); eid != "" {
			ret = append(ret, eid)
		}
	}
	return ret
}

// existingIDsByExternal bulk-loads local ids for the given external ids in
// one query, keyed by external id.
func (s *Store) existingIDsByExternal(ctx context.Context, table string, tenantID int64, extIDs []string) (map[string]int64, error) {
	ret := make(map[string]int64, len(extIDs))
	if len(extIDs) == 0 {
		return ret, nil
	}

	q := s.db.From(table).
		Select("id", "external_id").
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("external_id").In(extIDs))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var externalID string
		if err := rows.Scan(&id, &externalID); err != nil {
			return nil, err
		}
		ret[externalID] = id
	}
	return ret, rows.Err()
}

func (s *Store) countRows(ctx context.Context, table string, tenantID int64) (int64, error) {
	q := s.db.From(table).
		Select(goqu.COUNT("*")).
		Where(goqu.C("tenant_id").Eq(tenantID))

	query, args, err := q.ToSQL()
	if err != nil {
		return 0, err
	}

	var count int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// existingChildIDs bulk-loads the child rows of a set of parents, keyed by
// parent id and then by the child's external id.
func (s *Store) existingChildIDs(ctx context.Context, table string, parentColumn string, parentIDs []int64) (map[int64]map[string]int64, error) {
	ret := make(map[int64]map[string]int64, len(parentIDs))
	if len(parentIDs) == 0 {
		return ret, nil
	}

	q := s.db.From(table).
		Select("id", parentColumn, "external_id").
		Where(goqu.C(parentColumn).In(parentIDs))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, parentID int64
		var externalID string
		if err := rows.Scan(&id, &parentID, &externalID); err != nil {
			return nil, err
		}
		if ret[parentID] == nil {
			ret[parentID] = make(map[string]int64)
		}
		ret[parentID][externalID] = id
	}
	return ret, rows.Err()
}

func valuesOf(m map[string]int64) []int64 {
	ret := make([]int64, 0, len(m))
	for _, v := range m {
		ret = append(ret, v)
	}
	return ret
}
