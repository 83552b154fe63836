package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/schema"
)

func orderSchema() schema.ModelMetadata {
	return schema.ModelMetadata{
		Name:  "Order",
		Table: "orders",
		Fields: map[string]schema.FieldMetadata{
			"id":          {Name: "id", Type: "integer"},
			"tenant_id":   {Name: "tenant_id", Type: "text"},
			"email":       {Name: "email", Type: "text"},
			"card_number": {Name: "card_number", Type: "text"},
			"total":       {Name: "total", Type: "real"},
		},
		PrimaryKey: []string{"id"},
	}
}

func buildPolicy(t *testing.T, b *Builder) *Policy {
	t.Helper()
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

func TestCheckModel(t *testing.T) {
	p := buildPolicy(t, NewBuilder().
		Model("Order").
		Model("Secret", Denied()).
		Model("Audit", WriteOnly()))
	principal := runctx.NewPrincipal("acme", "u1")

	assert.NoError(t, p.CheckModel(principal, "Order"))
	assert.True(t, errs.Is(p.CheckModel(principal, "Secret"), errs.CodeModelNotAllowed))
	assert.True(t, errs.Is(p.CheckModel(principal, "Missing"), errs.CodeModelNotAllowed))

	assert.NoError(t, p.CheckModel(principal, "Audit"))
	assert.True(t, errs.Is(p.CheckRead(principal, "Audit"), errs.CodeModelNotAllowed))

	assert.Equal(t, []string{"Order"}, p.VisibleModels(principal, []string{"Audit", "Missing", "Order", "Secret"}))
}

// TestCheckModel_AccessRule verifies CEL predicates over opaque roles.
func TestCheckModel_AccessRule(t *testing.T) {
	p := buildPolicy(t, NewBuilder().
		Model("Payroll", AccessRule(`"finance" in roles && tenant_id != ""`)))

	assert.NoError(t, p.CheckModel(runctx.NewPrincipal("acme", "u1", "finance"), "Payroll"))

	err := p.CheckModel(runctx.NewPrincipal("acme", "u1", "support"), "Payroll")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeModelNotAllowed))

	err = p.CheckModel(runctx.NewPrincipal("", "u1", "finance"), "Payroll")
	assert.True(t, errs.Is(err, errs.CodeModelNotAllowed))

	assert.True(t, errs.Is(p.CheckModel(runctx.Principal{}, "Payroll"), errs.CodeModelNotAllowed),
		"nil roles evaluate as an empty list")
}

func TestResolveField(t *testing.T) {
	build := func(strategy RedactStrategy) *Policy {
		return buildPolicy(t, NewBuilder().
			RedactStrategy(strategy).
			Model("Order",
				Field("card_number", ActionDeny),
				SensitiveField("email"),
				MaskedField("phone", "{first2}")))
	}

	deny := build(StrategyDeny)
	assert.Equal(t, ActionDeny, deny.ResolveField("Order", "card_number").Action)
	assert.Equal(t, ActionDeny, deny.ResolveField("Order", "email").Action)
	assert.Equal(t, ActionAllow, deny.ResolveField("Order", "total").Action)
	assert.Equal(t, FieldPolicy{Action: ActionMask, MaskPattern: "{first2}"}, deny.ResolveField("Order", "phone"))

	mask := build(StrategyMask)
	assert.Equal(t, ActionMask, mask.ResolveField("Order", "email").Action)

	hashAll := buildPolicy(t, NewBuilder().DefaultFieldAction(ActionHash).Model("Order"))
	assert.Equal(t, ActionHash, hashAll.ResolveField("Order", "total").Action)
}

func TestResolveSelect(t *testing.T) {
	deny := buildPolicy(t, NewBuilder().Model("Order", Field("card_number", ActionDeny)))
	mm := orderSchema()

	fields, err := deny.ResolveSelect("Order", nil, mm)
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "id", "tenant_id", "total"}, fields, "default select drops denied fields")

	fields, err = deny.ResolveSelect("Order", []string{"total", "id"}, mm)
	require.NoError(t, err)
	assert.Equal(t, []string{"total", "id"}, fields)

	_, err = deny.ResolveSelect("Order", []string{"card_number"}, mm)
	assert.True(t, errs.Is(err, errs.CodeFieldNotAllowed))

	_, err = deny.ResolveSelect("Order", []string{"ssn"}, mm)
	assert.True(t, errs.Is(err, errs.CodeFieldNotAllowed))

	mask := buildPolicy(t, NewBuilder().RedactStrategy(StrategyMask).Model("Order", Field("card_number", ActionDeny)))
	fields, err = mask.ResolveSelect("Order", []string{"card_number"}, mm)
	require.NoError(t, err, "mask strategy fetches denied fields and nulls them on output")
	assert.Equal(t, []string{"card_number"}, fields)
}

func TestCheckPredicateField(t *testing.T) {
	p := buildPolicy(t, NewBuilder().RedactStrategy(StrategyMask).Model("Order",
		Field("card_number", ActionDeny),
		Field("email", ActionMask),
		Field("phone", ActionHash)))
	mm := orderSchema()
	mm.Fields["phone"] = schema.FieldMetadata{Name: "phone", Type: "text"}

	assert.NoError(t, p.CheckPredicateField("Order", "total", mm))
	for _, f := range []string{"card_number", "email", "phone", "nope"} {
		assert.True(t, errs.Is(p.CheckPredicateField("Order", f, mm), errs.CodeFieldNotAllowed), f)
	}
	err := p.CheckPredicateField("Order", "email", mm)
	var qe *errs.Error
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "redacted field", qe.Details["reason"])
}

func TestCheckRelation(t *testing.T) {
	p := buildPolicy(t, NewBuilder().Model("Order", Relation("customer", 5)))

	rp, err := p.CheckRelation("Order", "customer")
	require.NoError(t, err)
	assert.Equal(t, 5, rp.MaxTake)

	_, err = p.CheckRelation("Order", "items")
	assert.True(t, errs.Is(err, errs.CodeRelationNotAllowed))
}

func TestCheckWrite(t *testing.T) {
	prod := buildPolicy(t, NewBuilder().Model("Order", Writes(WritePolicy{Create: true})))
	_, err := prod.CheckWrite("Order", "create")
	assert.True(t, errs.Is(err, errs.CodeWriteDisabled), "prod disables writes policy-wide")
	assert.False(t, prod.AnyWritable())

	dev := buildPolicy(t, NewBuilder().FromProfile(ProfileDev).Model("Order", Writes(WritePolicy{Create: true, RequireApproval: true})))
	wp, err := dev.CheckWrite("Order", "create")
	require.NoError(t, err)
	assert.True(t, wp.RequireApproval)
	assert.Equal(t, 1, wp.AffectedRowsLimit())
	assert.True(t, dev.AnyWritable())

	_, err = dev.CheckWrite("Order", "delete")
	assert.True(t, errs.Is(err, errs.CodeWriteDisabled))
}

func TestEffectiveBudget(t *testing.T) {
	p := buildPolicy(t, NewBuilder().Model("Order", ModelBudget(Budget{MaxRows: 10, MaxComplexityScore: 30})).Model("Invoice"))

	assert.Equal(t, Budget{MaxRows: 10, MaxIncludesDepth: 1, MaxSelectFields: 40, StatementTimeoutMS: 2000, MaxComplexityScore: 30}, p.EffectiveBudget("Order"))
	assert.Equal(t, p.Budget, p.EffectiveBudget("Invoice"))
}

func TestRequiresTenant(t *testing.T) {
	p := buildPolicy(t, NewBuilder().
		Model("Order", TenantScope("tenant_id")).
		Model("Country").
		Model("Plan", TenantScope("tenant_id"), RequireTenant(false)).
		Model("Global", RequireTenant(true)))

	assert.True(t, p.RequiresTenant("Order"))
	assert.False(t, p.RequiresTenant("Country"), "no tenant field, nothing to scope")
	assert.False(t, p.RequiresTenant("Plan"))
	assert.True(t, p.RequiresTenant("Global"))

	dev := buildPolicy(t, NewBuilder().FromProfile(ProfileDev).Model("Order", TenantScope("tenant_id")))
	assert.False(t, dev.RequiresTenant("Order"))
}
