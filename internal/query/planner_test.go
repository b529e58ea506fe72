package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/solidb/internal/value"
)

func TestPlanAccessEqualityLookup(t *testing.T) {
	db, _ := testCollection(t)
	q, err := ParseQuery(`FOR p IN people FILTER p.age == 30 RETURN p`)
	require.NoError(t, err)

	plan := planAccess(q, db)
	require.NotNil(t, plan)
	assert.Equal(t, AccessIndexEq, plan.Kind)
	assert.Equal(t, "age", plan.Field)
	assert.True(t, plan.FilterConsumed)
	require.NotNil(t, plan.EqValue)
	assert.Equal(t, 30.0, plan.EqValue.Number)
}

func TestPlanAccessRangeMergesLowAndHigh(t *testing.T) {
	db, _ := testCollection(t)
	q, err := ParseQuery(`FOR p IN people FILTER p.age >= 25 AND p.age < 40 RETURN p`)
	require.NoError(t, err)

	plan := planAccess(q, db)
	require.NotNil(t, plan)
	assert.Equal(t, AccessIndexRange, plan.Kind)
	require.NotNil(t, plan.LowValue)
	require.NotNil(t, plan.HighValue)
	assert.Equal(t, 25.0, plan.LowValue.Number)
	assert.Equal(t, 40.0, plan.HighValue.Number)
}

func TestPlanAccessSortViaIndex(t *testing.T) {
	db, _ := testCollection(t)
	q, err := ParseQuery(`FOR p IN people SORT p.age DESC LIMIT 2 RETURN p`)
	require.NoError(t, err)

	plan := planAccess(q, db)
	require.NotNil(t, plan)
	assert.Equal(t, AccessIndexSort, plan.Kind)
	assert.False(t, plan.Ascending)
	assert.Equal(t, 2, plan.ScanLimit)
}

func TestPlanAccessFallsBackToScanWithoutIndex(t *testing.T) {
	db, _ := testCollection(t)
	q, err := ParseQuery(`FOR p IN people FILTER p.name == "bob" RETURN p`)
	require.NoError(t, err)

	plan := planAccess(q, db)
	require.NotNil(t, plan)
	assert.Equal(t, AccessScan, plan.Kind)
}

func TestMatchFieldLiteralMirrorsOperator(t *testing.T) {
	e := BinaryExpr{Op: ">", Left: LiteralExpr{Value: float64(10)}, Right: FieldAccessExpr{Target: IdentExpr{Name: "p"}, Field: "age"}}
	field, op, lit, ok := matchFieldLiteral(e, "p")
	require.True(t, ok)
	assert.Equal(t, "age", field)
	assert.Equal(t, "<", op)
	assert.Equal(t, value.Number(10), lit)
}

func TestFlattenAndSplitsConjuncts(t *testing.T) {
	e := BinaryExpr{
		Op:   "AND",
		Left: BinaryExpr{Op: "AND", Left: LiteralExpr{Value: true}, Right: LiteralExpr{Value: false}},
		Right: LiteralExpr{Value: true},
	}
	conjuncts := flattenAnd(e)
	assert.Len(t, conjuncts, 3)
}
