package flowkit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowkit/pkg/schema"
)

func exprRC() *schema.RunContext {
	rc := schema.NewRunContext("run-1", "orders", "v1",
		map[string]any{"amount": 150, "customer": "acme"}, nil)
	rc.SetOutput("validate", map[string]any{"ok": true})
	rc.SetOutput("score", 42)
	return rc
}

func TestExprWhen(t *testing.T) {
	ctx := context.Background()
	rc := exprRC()

	ok, err := ExprWhen("payload.amount > 100")(ctx, rc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ExprWhen(`steps.validate.ok && payload.customer == "acme"`)(ctx, rc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ExprWhen("payload.amount > 1000")(ctx, rc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExprWhen_CompileError(t *testing.T) {
	_, err := ExprWhen("payload.amount >")(context.Background(), exprRC())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExprWhen_NonBoolResult(t *testing.T) {
	_, err := ExprWhen("payload.amount")(context.Background(), exprRC())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExprValue(t *testing.T) {
	out, err := ExprValue("payload.amount * 2")(context.Background(), exprRC())
	require.NoError(t, err)
	assert.EqualValues(t, 300, out)
}

func TestCELWhen(t *testing.T) {
	ctx := context.Background()
	rc := exprRC()

	ok, err := CELWhen("payload.amount > 100")(ctx, rc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CELWhen(`run.workflow_id == "orders" && steps.score == 42`)(ctx, rc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CELWhen(`payload.customer == "globex"`)(ctx, rc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELWhen_CompileError(t *testing.T) {
	_, err := CELWhen("payload.amount >")(context.Background(), exprRC())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestJQItems(t *testing.T) {
	rc := schema.NewRunContext("run-1", "orders", "v1",
		map[string]any{"items": []any{
			map[string]any{"sku": "a", "qty": 1},
			map[string]any{"sku": "b", "qty": 3},
		}}, nil)

	items, err := JQItems(".payload.items")(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// jq expressions compose: filter while selecting.
	items, err = JQItems("[.payload.items[] | select(.qty > 1)]")(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, items, 1)
	first, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "b", first["sku"])
}

func TestJQItems_NonArrayResult(t *testing.T) {
	_, err := JQItems(".payload")(context.Background(), exprRC())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestJQPayload(t *testing.T) {
	payload, err := JQPayload(`{order: .payload.customer, score: .steps.score}`)(context.Background(), exprRC())
	require.NoError(t, err)
	assert.Equal(t, "acme", payload["order"])
	assert.EqualValues(t, 42, payload["score"])
}

func TestJQTransform(t *testing.T) {
	out, err := JQTransform(".payload.amount + .steps.score")(context.Background(), exprRC())
	require.NoError(t, err)
	assert.EqualValues(t, 192, out)
}

func TestJQTransform_ParseError(t *testing.T) {
	_, err := JQTransform(".payload |")(context.Background(), exprRC())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestJQEventFilter(t *testing.T) {
	filter := JQEventFilter(".amount >= 100")

	assert.True(t, filter(map[string]any{"amount": 150}))
	assert.False(t, filter(map[string]any{"amount": 50}))
	assert.False(t, filter(nil))
}

func TestJQSandbox_EnvBlocked(t *testing.T) {
	t.Setenv("FLOWKIT_SECRET", "s3cret")

	out, err := JQTransform(`env.FLOWKIT_SECRET`)(context.Background(), exprRC())
	require.NoError(t, err)
	assert.Nil(t, out)
}
