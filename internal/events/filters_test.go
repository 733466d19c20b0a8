package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jia-app/eventbilling/internal/domain"
)

func TestApplyFilters_AndSemantics(t *testing.T) {
	ev := NewEvent(domain.EventOrderPaid, map[string]interface{}{"status": "paid", "amount": 50})

	filters := []domain.Filter{
		{Field: "status", Operator: domain.OpEq, Value: "paid"},
		{Field: "amount", Operator: domain.OpGt, Value: 100},
	}
	assert.False(t, ApplyFilters(ev, filters))

	filters[1].Value = 10
	assert.True(t, ApplyFilters(ev, filters))

	assert.True(t, ApplyFilters(ev, nil))
}

func TestApplyFilters_Operators(t *testing.T) {
	ev := NewEvent(domain.EventSubscriptionRenewed,
		map[string]interface{}{
			"amount":   json.Number("19.99"),
			"currency": "USD",
			"plan":     map[string]interface{}{"name": "Premium Monthly", "tier": 2},
			"tags":     []interface{}{"vip", "early"},
			"trial":    false,
		},
		WithContext(map[string]interface{}{"country": "KZ"}),
		WithMetadata(map[string]interface{}{"test": true}),
	)

	tests := []struct {
		name   string
		filter domain.Filter
		want   bool
	}{
		{"eq string", domain.Filter{Field: "currency", Operator: domain.OpEq, Value: "USD"}, true},
		{"eq number across types", domain.Filter{Field: "amount", Operator: domain.OpEq, Value: 19.99}, true},
		{"ne", domain.Filter{Field: "currency", Operator: domain.OpNe, Value: "EUR"}, true},
		{"gt", domain.Filter{Field: "amount", Operator: domain.OpGt, Value: 10}, true},
		{"lt", domain.Filter{Field: "amount", Operator: domain.OpLt, Value: 10}, false},
		{"gte equal", domain.Filter{Field: "amount", Operator: domain.OpGte, Value: 19.99}, true},
		{"lte", domain.Filter{Field: "plan.tier", Operator: domain.OpLte, Value: 2}, true},
		{"contains", domain.Filter{Field: "plan.name", Operator: domain.OpContains, Value: "Monthly"}, true},
		{"contains coerces", domain.Filter{Field: "amount", Operator: domain.OpContains, Value: "19"}, true},
		{"in", domain.Filter{Field: "currency", Operator: domain.OpIn, Value: []interface{}{"EUR", "USD"}}, true},
		{"in typed list", domain.Filter{Field: "plan.tier", Operator: domain.OpIn, Value: []int{1, 2}}, true},
		{"nin", domain.Filter{Field: "currency", Operator: domain.OpNin, Value: []string{"EUR", "GBP"}}, true},
		{"nin hit", domain.Filter{Field: "currency", Operator: domain.OpNin, Value: []string{"USD"}}, false},
		{"bool eq", domain.Filter{Field: "trial", Operator: domain.OpEq, Value: false}, true},
		{"array index", domain.Filter{Field: "tags.0", Operator: domain.OpEq, Value: "vip"}, true},
		{"explicit data path", domain.Filter{Field: "data.current.currency", Operator: domain.OpEq, Value: "USD"}, true},
		{"context path", domain.Filter{Field: "data.context.country", Operator: domain.OpEq, Value: "KZ"}, true},
		{"metadata path", domain.Filter{Field: "metadata.test", Operator: domain.OpEq, Value: true}, true},
		{"top-level type", domain.Filter{Field: "type", Operator: domain.OpEq, Value: "subscription.renewed"}, true},
		{"missing field eq", domain.Filter{Field: "missing", Operator: domain.OpEq, Value: "x"}, false},
		{"missing field ne", domain.Filter{Field: "missing", Operator: domain.OpNe, Value: "x"}, true},
		{"missing field gt", domain.Filter{Field: "missing", Operator: domain.OpGt, Value: 1}, false},
		{"unknown operator", domain.Filter{Field: "currency", Operator: "regex", Value: ".*"}, false},
		{"in with scalar", domain.Filter{Field: "currency", Operator: domain.OpIn, Value: "USD"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ApplyFilters(ev, []domain.Filter{tt.filter}))
		})
	}
}
