package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/tradecore/tradecore/pkg/logger"
)

// defaultChunkSize bounds the number of rows per multi-VALUES statement
const defaultChunkSize = 500

// Repository exposes table-agnostic bulk primitives. Each call is a
// synchronous contract: it returns only after its transaction commits.
type Repository struct {
	db  *DB
	mgr *Manager
	log *logger.Logger
}

// NewRepository creates a repository over a transaction manager
func NewRepository(db *DB, mgr *Manager, log *logger.Logger) *Repository {
	return &Repository{db: db, mgr: mgr, log: log}
}

// UpdateSpec pairs a WHERE condition with the columns to set
type UpdateSpec struct {
	Where map[string]interface{}
	Set   map[string]interface{}
}

// BulkInsert inserts rows in chunked multi-VALUES statements. Column order is
// taken from the sorted keys of the first row; onConflict is appended
// verbatim when non-empty. When returning columns are given, the returned
// rows are collected across all chunks.
func (r *Repository) BulkInsert(ctx context.Context, table string, rows []map[string]interface{}, returning []string, onConflict string, chunkSize int) ([]map[string]interface{}, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	columns := sortedColumns(rows[0])
	var returned []map[string]interface{}

	err := r.mgr.WithTransaction(ctx, IsolationReadCommitted, func(txn *Txn) error {
		for start := 0; start < len(rows); start += chunkSize {
			end := start + chunkSize
			if end > len(rows) {
				end = len(rows)
			}
			chunk := rows[start:end]

			query, args, err := buildInsert(table, columns, chunk, returning, onConflict)
			if err != nil {
				return err
			}

			if len(returning) > 0 {
				rs, err := txn.QueryContext(ctx, query, args...)
				if err != nil {
					return fmt.Errorf("bulk insert into %s failed: %w", table, err)
				}
				got, err := scanRows(rs)
				if err != nil {
					return err
				}
				returned = append(returned, got...)
			} else {
				if _, err := txn.ExecContext(ctx, query, args...); err != nil {
					return fmt.Errorf("bulk insert into %s failed: %w", table, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return returned, nil
}

// BulkUpdate applies each (where, set) pair in chunks, each chunk under its
// own savepoint so a failed chunk rolls back alone before the error
// surfaces. Returns the total number of affected rows.
func (r *Repository) BulkUpdate(ctx context.Context, table string, updates []UpdateSpec, chunkSize int) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	var affected int64
	err := r.mgr.WithTransaction(ctx, IsolationReadCommitted, func(txn *Txn) error {
		chunkIdx := 0
		for start := 0; start < len(updates); start += chunkSize {
			end := start + chunkSize
			if end > len(updates) {
				end = len(updates)
			}
			chunk := updates[start:end]
			chunkIdx++

			name := fmt.Sprintf("bulk_update_%d", chunkIdx)
			err := r.mgr.WithSavepoint(ctx, txn, name, func() error {
				for _, spec := range chunk {
					query, args, err := buildUpdate(table, spec)
					if err != nil {
						return err
					}
					res, err := txn.ExecContext(ctx, query, args...)
					if err != nil {
						return fmt.Errorf("bulk update of %s failed: %w", table, err)
					}
					n, _ := res.RowsAffected()
					affected += n
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// BulkDelete removes rows matching any of the given conjunctions. Each
// condition map is ANDed internally and ORed with the others.
func (r *Repository) BulkDelete(ctx context.Context, table string, conditions []map[string]interface{}) (int64, error) {
	if len(conditions) == 0 {
		return 0, nil
	}

	clauses := make([]string, 0, len(conditions))
	var args []interface{}
	for _, cond := range conditions {
		clause, condArgs, err := buildCondition(cond, len(args))
		if err != nil {
			return 0, err
		}
		clauses = append(clauses, "("+clause+")")
		args = append(args, condArgs...)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s",
		pq.QuoteIdentifier(table), strings.Join(clauses, " OR "))

	var affected int64
	err := r.mgr.WithTransaction(ctx, IsolationReadCommitted, func(txn *Txn) error {
		res, err := txn.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("bulk delete from %s failed: %w", table, err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// BulkUpsert is BulkInsert with a derived ON CONFLICT ... DO UPDATE SET
// clause. With no update columns, conflicting rows are left untouched.
func (r *Repository) BulkUpsert(ctx context.Context, table string, rows []map[string]interface{}, conflictCols []string, updateCols []string, chunkSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(conflictCols) == 0 {
		return 0, fmt.Errorf("bulk upsert requires conflict columns")
	}

	quotedConflict := make([]string, len(conflictCols))
	for i, c := range conflictCols {
		quotedConflict[i] = pq.QuoteIdentifier(c)
	}

	var onConflict string
	if len(updateCols) == 0 {
		onConflict = fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(quotedConflict, ", "))
	} else {
		sets := make([]string, len(updateCols))
		for i, c := range updateCols {
			qc := pq.QuoteIdentifier(c)
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", qc, qc)
		}
		onConflict = fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(quotedConflict, ", "), strings.Join(sets, ", "))
	}

	if _, err := r.BulkInsert(ctx, table, rows, nil, onConflict, chunkSize); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// Count returns the number of rows matching the condition map
func (r *Repository) Count(ctx context.Context, table string, conds map[string]interface{}) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", pq.QuoteIdentifier(table))
	var args []interface{}
	if len(conds) > 0 {
		clause, condArgs, err := buildCondition(conds, 0)
		if err != nil {
			return 0, err
		}
		query += " WHERE " + clause
		args = condArgs
	}

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count on %s failed: %w", table, err)
	}
	return count, nil
}

// Exists reports whether any row matches the condition map
func (r *Repository) Exists(ctx context.Context, table string, conds map[string]interface{}) (bool, error) {
	inner := fmt.Sprintf("SELECT 1 FROM %s", pq.QuoteIdentifier(table))
	var args []interface{}
	if len(conds) > 0 {
		clause, condArgs, err := buildCondition(conds, 0)
		if err != nil {
			return false, err
		}
		inner += " WHERE " + clause
		args = condArgs
	}

	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(%s)", inner)
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("exists on %s failed: %w", table, err)
	}
	return exists, nil
}

// GetBatchByIDs fetches rows whose id column matches any of the given ids
func (r *Repository) GetBatchByIDs(ctx context.Context, table string, ids []string, idColumn string) ([]map[string]interface{}, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if idColumn == "" {
		idColumn = "id"
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ANY($1)",
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(idColumn))

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("batch get from %s failed: %w", table, err)
	}
	return scanRows(rows)
}

// sortedColumns returns the row's column names in deterministic order
func sortedColumns(row map[string]interface{}) []string {
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

// buildInsert renders a chunked multi-VALUES insert statement
func buildInsert(table string, columns []string, chunk []map[string]interface{}, returning []string, onConflict string) (string, []interface{}, error) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ",
		pq.QuoteIdentifier(table), strings.Join(quoted, ", "))

	args := make([]interface{}, 0, len(chunk)*len(columns))
	for i, row := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		placeholders := make([]string, len(columns))
		for j, col := range columns {
			val, ok := row[col]
			if !ok {
				return "", nil, fmt.Errorf("row %d missing column %q", i, col)
			}
			args = append(args, val)
			placeholders[j] = fmt.Sprintf("$%d", len(args))
		}
		sb.WriteString("(" + strings.Join(placeholders, ", ") + ")")
	}

	if onConflict != "" {
		sb.WriteString(" " + onConflict)
	}
	if len(returning) > 0 {
		quotedRet := make([]string, len(returning))
		for i, c := range returning {
			quotedRet[i] = pq.QuoteIdentifier(c)
		}
		sb.WriteString(" RETURNING " + strings.Join(quotedRet, ", "))
	}

	return sb.String(), args, nil
}

// buildUpdate renders an UPDATE statement from an UpdateSpec
func buildUpdate(table string, spec UpdateSpec) (string, []interface{}, error) {
	if len(spec.Set) == 0 {
		return "", nil, fmt.Errorf("update on %s has no SET columns", table)
	}
	if len(spec.Where) == 0 {
		return "", nil, fmt.Errorf("update on %s has no WHERE condition", table)
	}

	var args []interface{}
	sets := make([]string, 0, len(spec.Set))
	for _, col := range sortedColumns(spec.Set) {
		args = append(args, spec.Set[col])
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(col), len(args)))
	}

	clause, condArgs, err := buildCondition(spec.Where, len(args))
	if err != nil {
		return "", nil, err
	}
	args = append(args, condArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		pq.QuoteIdentifier(table), strings.Join(sets, ", "), clause)
	return query, args, nil
}

// buildCondition renders an ANDed condition from a map. Values may be
// primitives (equality), nil (IS NULL), or operator maps like
// {"gte": 10, "lt": 20}. Placeholders start after argOffset.
func buildCondition(cond map[string]interface{}, argOffset int) (string, []interface{}, error) {
	var args []interface{}
	clauses := make([]string, 0, len(cond))

	for _, col := range sortedColumns(cond) {
		qc := pq.QuoteIdentifier(col)
		switch val := cond[col].(type) {
		case nil:
			clauses = append(clauses, qc+" IS NULL")
		case map[string]interface{}:
			ops := make([]string, 0, len(val))
			for op := range val {
				ops = append(ops, op)
			}
			sort.Strings(ops)
			for _, op := range ops {
				sqlOp, err := sqlOperator(op)
				if err != nil {
					return "", nil, err
				}
				args = append(args, val[op])
				clauses = append(clauses, fmt.Sprintf("%s %s $%d", qc, sqlOp, argOffset+len(args)))
			}
		case []string:
			args = append(args, pq.Array(val))
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", qc, argOffset+len(args)))
		case []interface{}:
			args = append(args, pq.Array(val))
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", qc, argOffset+len(args)))
		default:
			args = append(args, val)
			clauses = append(clauses, fmt.Sprintf("%s = $%d", qc, argOffset+len(args)))
		}
	}

	return strings.Join(clauses, " AND "), args, nil
}

// sqlOperator maps an operator-object key to its SQL operator
func sqlOperator(op string) (string, error) {
	switch strings.ToLower(op) {
	case "eq":
		return "=", nil
	case "ne":
		return "<>", nil
	case "gt":
		return ">", nil
	case "gte":
		return ">=", nil
	case "lt":
		return "<", nil
	case "lte":
		return "<=", nil
	case "like":
		return "LIKE", nil
	default:
		return "", fmt.Errorf("unsupported condition operator: %q", op)
	}
}

// scanRows drains a result set into generic column maps
func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}
