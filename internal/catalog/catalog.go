// Package catalog содержит прайс-лист: продукты, тарифы и курс обмена баллов.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/licensebot/internal/model"
)

//go:embed default.yaml
var defaultCatalog []byte

// ErrUnknownPlan возвращается, если длительность отсутствует в прайс-листе.
var ErrUnknownPlan = errors.New("unknown plan")

// ProductInfo описывает продукт в меню.
type ProductInfo struct {
	Code  model.Product `yaml:"code"`
	Title string        `yaml:"title"`
}

// Plan описывает платный тариф.
type Plan struct {
	Days   int   `yaml:"days"`
	Price  int64 `yaml:"price"`
	Points int64 `yaml:"points"`
}

// RedeemRate описывает стоимость бесплатных дней в баллах.
type RedeemRate struct {
	Days   int   `yaml:"days"`
	Points int64 `yaml:"points"`
}

// Catalog содержит прайс-лист, неизменяемый после загрузки.
type Catalog struct {
	Products []ProductInfo `yaml:"products"`
	Plans    []Plan        `yaml:"plans"`
	Redeem   []RedeemRate  `yaml:"redeem"`
}

// Default возвращает встроенный прайс-лист.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load читает прайс-лист из файла. Пустой путь означает встроенный прайс-лист.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse разбирает и проверяет прайс-лист.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	sort.Slice(c.Plans, func(i, j int) bool { return c.Plans[i].Days < c.Plans[j].Days })
	sort.Slice(c.Redeem, func(i, j int) bool { return c.Redeem[i].Days < c.Redeem[j].Days })

	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Products) == 0 {
		return errors.New("catalog: no products")
	}
	for _, p := range c.Products {
		if _, err := model.ParseProduct(string(p.Code)); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
	}

	if len(c.Plans) == 0 {
		return errors.New("catalog: no plans")
	}
	seen := make(map[int]bool)
	for _, p := range c.Plans {
		if p.Days <= 0 || p.Price <= 0 || p.Points < 0 {
			return fmt.Errorf("catalog: invalid plan %+v", p)
		}
		if seen[p.Days] {
			return fmt.Errorf("catalog: duplicate plan for %d days", p.Days)
		}
		seen[p.Days] = true
	}

	seen = make(map[int]bool)
	for _, r := range c.Redeem {
		if r.Days <= 0 || r.Points <= 0 {
			return fmt.Errorf("catalog: invalid redeem rate %+v", r)
		}
		if seen[r.Days] {
			return fmt.Errorf("catalog: duplicate redeem rate for %d days", r.Days)
		}
		seen[r.Days] = true
	}

	return nil
}

// Product возвращает описание продукта.
func (c *Catalog) Product(code model.Product) (ProductInfo, bool) {
	for _, p := range c.Products {
		if p.Code == code {
			return p, true
		}
	}
	return ProductInfo{}, false
}

// Plan возвращает тариф на указанное число дней.
func (c *Catalog) Plan(days int) (Plan, error) {
	for _, p := range c.Plans {
		if p.Days == days {
			return p, nil
		}
	}
	return Plan{}, fmt.Errorf("%w: %d days", ErrUnknownPlan, days)
}

// RedeemCost возвращает стоимость обмена в баллах.
func (c *Catalog) RedeemCost(days int) (int64, error) {
	for _, r := range c.Redeem {
		if r.Days == days {
			return r.Points, nil
		}
	}
	return 0, fmt.Errorf("%w: redeem %d days", ErrUnknownPlan, days)
}

// PointsFor возвращает число баллов за покупку на указанное число дней.
func (c *Catalog) PointsFor(days int) (int64, error) {
	p, err := c.Plan(days)
	if err != nil {
		return 0, err
	}
	return p.Points, nil
}

// FormatPrice форматирует сумму в рупиях: 15000 → "Rp 15.000".
func FormatPrice(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}

	digits := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, ch := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(ch)
	}
	return "Rp " + sign + b.String()
}

// Title возвращает название продукта для меню или сам код, если продукт неизвестен.
func (c *Catalog) Title(code model.Product) string {
	if p, ok := c.Product(code); ok {
		return p.Title
	}
	return string(code)
}
