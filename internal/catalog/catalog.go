// Package catalog loads the reference data (providers and their weekly
// availability, products, pharmacies and stock) from YAML.
package catalog

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hackgods/telehealth-dispatch/internal/geo"
	"github.com/hackgods/telehealth-dispatch/internal/pharmacy"
	"github.com/hackgods/telehealth-dispatch/internal/slots"
)

//go:embed default.yaml
var defaultCatalog []byte

// namespace for ids derived from catalog keys
var namespace = uuid.MustParse("7b0e4c8e-2f5d-4a51-9c1e-3d8a6f0b9e42")

type Catalog struct {
	Providers  []ProviderEntry `yaml:"providers"`
	Products   []ProductEntry  `yaml:"products"`
	Pharmacies []PharmacyEntry `yaml:"pharmacies"`
}

type ProviderEntry struct {
	Key          string        `yaml:"key"`
	Name         string        `yaml:"name"`
	Specialty    string        `yaml:"specialty"`
	Inactive     bool          `yaml:"inactive"`
	Availability []WindowEntry `yaml:"availability"`
}

// WindowEntry is a block of "HH:MM" UTC times repeated on each listed day.
type WindowEntry struct {
	Days  []string `yaml:"days"`
	Start string   `yaml:"start"`
	End   string   `yaml:"end"`
}

type ProductEntry struct {
	SKU        string `yaml:"sku"`
	Name       string `yaml:"name"`
	PriceCents int64  `yaml:"priceCents"`
	Inactive   bool   `yaml:"inactive"`
}

type PharmacyEntry struct {
	Key      string       `yaml:"key"`
	Name     string       `yaml:"name"`
	Lat      float64      `yaml:"lat"`
	Lng      float64      `yaml:"lng"`
	Inactive bool         `yaml:"inactive"`
	Stock    []StockEntry `yaml:"stock"`
}

type StockEntry struct {
	SKU        string `yaml:"sku"`
	Quantity   int    `yaml:"quantity"`
	EtaMinutes int    `yaml:"etaMinutes"`
}

// Load reads a catalog file; an empty path returns the built-in demo catalog.
func Load(path string) (Catalog, error) {
	content := defaultCatalog
	if path != "" {
		var err error
		content, err = os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Catalog{}, errors.Wrap(err, "read catalog")
		}
	}
	return Parse(content)
}

func Parse(content []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(content, &c); err != nil {
		return Catalog{}, errors.Wrap(err, "parse catalog")
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c Catalog) Validate() error {
	if len(c.Providers) == 0 && len(c.Products) == 0 && len(c.Pharmacies) == 0 {
		return errors.New("catalog is empty")
	}

	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Key == "" || p.Name == "" {
			return errors.New("provider needs a key and a name")
		}
		if seen["provider/"+p.Key] {
			return errors.Newf("duplicate provider %q", p.Key)
		}
		seen["provider/"+p.Key] = true
		if _, err := p.Windows(); err != nil {
			return errors.Wrapf(err, "provider %q", p.Key)
		}
	}

	for _, p := range c.Products {
		if p.SKU == "" || p.Name == "" {
			return errors.New("product needs a sku and a name")
		}
		if p.PriceCents < 0 {
			return errors.Newf("product %q: negative price", p.SKU)
		}
		if seen["product/"+p.SKU] {
			return errors.Newf("duplicate product %q", p.SKU)
		}
		seen["product/"+p.SKU] = true
	}

	for _, ph := range c.Pharmacies {
		if ph.Key == "" || ph.Name == "" {
			return errors.New("pharmacy needs a key and a name")
		}
		if !(geo.Point{Lat: ph.Lat, Lng: ph.Lng}).Valid() {
			return errors.Newf("pharmacy %q: invalid location", ph.Key)
		}
		for _, s := range ph.Stock {
			if !seen["product/"+s.SKU] {
				return errors.Newf("pharmacy %q stocks unknown product %q", ph.Key, s.SKU)
			}
			if s.Quantity < 0 || s.EtaMinutes < 0 {
				return errors.Newf("pharmacy %q: negative stock or eta for %q", ph.Key, s.SKU)
			}
		}
	}
	return nil
}

func parseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), s) || strings.EqualFold(d.String()[:3], s) {
			return d, nil
		}
	}
	return 0, errors.Newf("unknown weekday %q", s)
}

func parseClock(s string) (int, error) {
	if s == "24:00" {
		return 24 * 60, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errors.Newf("bad time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Windows expands the entry into one availability window per day.
func (p ProviderEntry) Windows() ([]slots.AvailabilityWindow, error) {
	var out []slots.AvailabilityWindow
	for _, w := range p.Availability {
		start, err := parseClock(w.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseClock(w.End)
		if err != nil {
			return nil, err
		}
		for _, day := range w.Days {
			wd, err := parseWeekday(day)
			if err != nil {
				return nil, err
			}
			win := slots.AvailabilityWindow{Weekday: wd, StartMinute: start, EndMinute: end}
			if !win.Valid() {
				return nil, errors.Newf("window %s %s-%s is empty or out of range", day, w.Start, w.End)
			}
			out = append(out, win)
		}
	}
	return out, nil
}

func ProviderID(key string) uuid.UUID { return uuid.NewSHA1(namespace, []byte("provider/"+key)) }
func ProductID(sku string) uuid.UUID  { return uuid.NewSHA1(namespace, []byte("product/"+sku)) }
func PharmacyID(key string) uuid.UUID { return uuid.NewSHA1(namespace, []byte("pharmacy/"+key)) }

// ProviderStore and InventoryStore are the writes Apply needs.
type ProviderStore interface {
	SaveProvider(ctx context.Context, p slots.Provider, windows []slots.AvailabilityWindow) error
}

type InventoryStore interface {
	SaveProduct(ctx context.Context, p pharmacy.Product) error
	SavePharmacy(ctx context.Context, p pharmacy.Pharmacy) error
	SetStock(ctx context.Context, u pharmacy.InventoryUnit) error
}

// Summary counts what Apply wrote.
type Summary struct {
	Providers, Products, Pharmacies, StockRows int
}

// Apply upserts the whole catalog. Re-applying the same file is a no-op
// apart from resetting stock levels.
func (c Catalog) Apply(ctx context.Context, providers ProviderStore, inventory InventoryStore) (Summary, error) {
	var s Summary

	for _, p := range c.Providers {
		windows, err := p.Windows()
		if err != nil {
			return s, errors.Wrapf(err, "provider %q", p.Key)
		}
		provider := slots.Provider{ID: ProviderID(p.Key), Name: p.Name, Active: !p.Inactive}
		if p.Specialty != "" {
			specialty := p.Specialty
			provider.Specialty = &specialty
		}
		if err := providers.SaveProvider(ctx, provider, windows); err != nil {
			return s, errors.Wrapf(err, "save provider %q", p.Key)
		}
		s.Providers++
	}

	for _, p := range c.Products {
		product := pharmacy.Product{ID: ProductID(p.SKU), Name: p.Name, UnitPriceCents: p.PriceCents, Active: !p.Inactive}
		if err := inventory.SaveProduct(ctx, product); err != nil {
			return s, errors.Wrapf(err, "save product %q", p.SKU)
		}
		s.Products++
	}

	for _, ph := range c.Pharmacies {
		id := PharmacyID(ph.Key)
		err := inventory.SavePharmacy(ctx, pharmacy.Pharmacy{
			ID:       id,
			Name:     ph.Name,
			Location: geo.Point{Lat: ph.Lat, Lng: ph.Lng},
			Active:   !ph.Inactive,
		})
		if err != nil {
			return s, errors.Wrapf(err, "save pharmacy %q", ph.Key)
		}
		s.Pharmacies++

		for _, st := range ph.Stock {
			err := inventory.SetStock(ctx, pharmacy.InventoryUnit{
				PharmacyID: id,
				ProductID:  ProductID(st.SKU),
				Stock:      st.Quantity,
				EtaMinutes: st.EtaMinutes,
			})
			if err != nil {
				return s, errors.Wrapf(err, "set stock %s/%s", ph.Key, st.SKU)
			}
			s.StockRows++
		}
	}

	return s, nil
}
