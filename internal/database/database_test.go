package database

import (
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIsolation(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "READ COMMITTED", false},
		{"read_committed", "READ COMMITTED", false},
		{"repeatable_read", "REPEATABLE READ", false},
		{"serializable", "SERIALIZABLE", false},
		{"  Serializable  ", "SERIALIZABLE", false},
		{"dirty_read", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := normalizeIsolation(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSavepointNameValidation(t *testing.T) {
	valid := []string{"sp1", "_hidden", "bulk_update_0", "A"}
	for _, name := range valid {
		assert.True(t, savepointName.MatchString(name), "expected %q to be valid", name)
	}

	invalid := []string{"", "1sp", "sp-1", "sp 1", "sp;DROP TABLE x", "sp.name"}
	for _, name := range invalid {
		assert.False(t, savepointName.MatchString(name), "expected %q to be invalid", name)
	}
}

func TestIsDeadlock(t *testing.T) {
	assert.True(t, IsDeadlock(&pq.Error{Code: "40P01"}))
	assert.True(t, IsDeadlock(&pq.Error{Code: "40001"}))
	assert.True(t, IsDeadlock(errors.New("pq: deadlock detected")))
	assert.False(t, IsDeadlock(&pq.Error{Code: "23505"}))
	assert.False(t, IsDeadlock(errors.New("connection refused")))
	assert.False(t, IsDeadlock(nil))
}

func TestBuildInsert(t *testing.T) {
	rows := []map[string]interface{}{
		{"symbol": "BTCUSDT", "qty": 1},
		{"symbol": "ETHUSDT", "qty": 2},
	}

	query, args, err := buildInsert("orders", []string{"qty", "symbol"}, rows, []string{"id"}, "")
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "orders" ("qty", "symbol") VALUES ($1, $2), ($3, $4) RETURNING "id"`,
		query)
	assert.Equal(t, []interface{}{1, "BTCUSDT", 2, "ETHUSDT"}, args)
}

func TestBuildInsertMissingColumn(t *testing.T) {
	rows := []map[string]interface{}{
		{"symbol": "BTCUSDT", "qty": 1},
		{"symbol": "ETHUSDT"},
	}

	_, _, err := buildInsert("orders", []string{"qty", "symbol"}, rows, nil, "")
	assert.Error(t, err)
}

func TestBuildInsertOnConflict(t *testing.T) {
	rows := []map[string]interface{}{{"symbol": "BTCUSDT"}}

	query, _, err := buildInsert("orders", []string{"symbol"}, rows, nil,
		"ON CONFLICT (symbol) DO NOTHING")
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "orders" ("symbol") VALUES ($1) ON CONFLICT (symbol) DO NOTHING`,
		query)
}

func TestBuildUpdate(t *testing.T) {
	query, args, err := buildUpdate("orders", UpdateSpec{
		Where: map[string]interface{}{"id": 7},
		Set:   map[string]interface{}{"status": "filled"},
	})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "orders" SET "status" = $1 WHERE "id" = $2`, query)
	assert.Equal(t, []interface{}{"filled", 7}, args)
}

func TestBuildUpdateRequiresSetAndWhere(t *testing.T) {
	_, _, err := buildUpdate("orders", UpdateSpec{
		Where: map[string]interface{}{"id": 7},
	})
	assert.Error(t, err)

	_, _, err = buildUpdate("orders", UpdateSpec{
		Set: map[string]interface{}{"status": "filled"},
	})
	assert.Error(t, err)
}

func TestBuildCondition(t *testing.T) {
	t.Run("equality and null", func(t *testing.T) {
		clause, args, err := buildCondition(map[string]interface{}{
			"status":     "open",
			"deleted_at": nil,
		}, 0)
		require.NoError(t, err)
		assert.Equal(t, `"deleted_at" IS NULL AND "status" = $1`, clause)
		assert.Equal(t, []interface{}{"open"}, args)
	})

	t.Run("operator map", func(t *testing.T) {
		clause, args, err := buildCondition(map[string]interface{}{
			"qty": map[string]interface{}{"gte": 10, "lt": 20},
		}, 0)
		require.NoError(t, err)
		assert.Equal(t, `"qty" >= $1 AND "qty" < $2`, clause)
		assert.Equal(t, []interface{}{10, 20}, args)
	})

	t.Run("slice becomes ANY", func(t *testing.T) {
		clause, args, err := buildCondition(map[string]interface{}{
			"symbol": []string{"BTCUSDT", "ETHUSDT"},
		}, 0)
		require.NoError(t, err)
		assert.Equal(t, `"symbol" = ANY($1)`, clause)
		require.Len(t, args, 1)
	})

	t.Run("argOffset shifts placeholders", func(t *testing.T) {
		clause, _, err := buildCondition(map[string]interface{}{"id": 1}, 3)
		require.NoError(t, err)
		assert.Equal(t, `"id" = $4`, clause)
	})

	t.Run("unknown operator", func(t *testing.T) {
		_, _, err := buildCondition(map[string]interface{}{
			"qty": map[string]interface{}{"between": []int{1, 2}},
		}, 0)
		assert.Error(t, err)
	})
}

func TestSQLOperator(t *testing.T) {
	cases := map[string]string{
		"eq": "=", "ne": "<>", "gt": ">", "gte": ">=", "lt": "<", "lte": "<=", "like": "LIKE",
	}
	for in, want := range cases {
		got, err := sqlOperator(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := sqlOperator("regex")
	assert.Error(t, err)
}

func TestSortedColumns(t *testing.T) {
	cols := sortedColumns(map[string]interface{}{"b": 1, "a": 2, "c": 3})
	assert.Equal(t, []string{"a", "b", "c"}, cols)
}
