package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/licensebot/internal/model"
)

func TestDefaultPointsTable(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	tests := []struct {
		days   int
		points int64
		price  int64
	}{
		{days: 1, points: 1, price: 15000},
		{days: 3, points: 2, price: 40000},
		{days: 7, points: 5, price: 80000},
		{days: 15, points: 10, price: 150000},
		{days: 30, points: 20, price: 250000},
	}

	for _, tt := range tests {
		points, err := c.PointsFor(tt.days)
		require.NoError(t, err)
		assert.Equal(t, tt.points, points, "points for %d days", tt.days)

		plan, err := c.Plan(tt.days)
		require.NoError(t, err)
		assert.Equal(t, tt.price, plan.Price, "price for %d days", tt.days)
	}
}

func TestDefaultRedeemTable(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	want := map[int]int64{1: 12, 2: 24, 3: 36, 7: 84}
	for days, points := range want {
		cost, err := c.RedeemCost(days)
		require.NoError(t, err)
		assert.Equal(t, points, cost)
	}

	_, err = c.RedeemCost(5)
	assert.True(t, errors.Is(err, ErrUnknownPlan))
}

func TestUnknownPlan(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	_, err = c.Plan(2)
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestProducts(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	p, ok := c.Product(model.ProductFFMax)
	require.True(t, ok)
	assert.Equal(t, "FREE FIRE MAX", p.Title)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "no products", data: "plans: [{days: 1, price: 1, points: 1}]"},
		{name: "unknown product", data: "products: [{code: PUBG}]\nplans: [{days: 1, price: 1, points: 1}]"},
		{name: "no plans", data: "products: [{code: FF}]"},
		{name: "zero price", data: "products: [{code: FF}]\nplans: [{days: 1, price: 0, points: 1}]"},
		{name: "duplicate plan", data: "products: [{code: FF}]\nplans: [{days: 1, price: 1}, {days: 1, price: 2}]"},
		{name: "bad redeem", data: "products: [{code: FF}]\nplans: [{days: 1, price: 1}]\nredeem: [{days: 1, points: 0}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := "products: [{code: FF, title: Free Fire}]\nplans: [{days: 7, price: 70000, points: 4}, {days: 1, price: 10000, points: 1}]\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Plans, 2)
	assert.Equal(t, 1, c.Plans[0].Days, "plans are sorted by duration")
	assert.Empty(t, c.Redeem)
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "Rp 15.000", FormatPrice(15000))
	assert.Equal(t, "Rp 250.000", FormatPrice(250000))
	assert.Equal(t, "Rp 1.500.000", FormatPrice(1500000))
	assert.Equal(t, "Rp 900", FormatPrice(900))
	assert.Equal(t, "Rp 0", FormatPrice(0))
}

func TestTitle(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "FREE FIRE MAX", c.Title(model.ProductFFMax))
	assert.Equal(t, "XX", c.Title(model.Product("XX")))
}
