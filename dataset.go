package shopquery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// CategoryLink is an explicit product-to-category link in a dataset, in
// addition to Product.CategoryID. Redundant links are allowed.
type CategoryLink struct {
	CategoryID CategoryID `json:"category_id"`
	ProductID  ProductID  `json:"product_id"`
}

// Dataset is a complete set of entities, used as a fixture for the memory
// backend and by the test suites of every other backend.
type Dataset struct {
	Users         []User         `json:"users"`
	Categories    []Category     `json:"categories"`
	Products      []Product      `json:"products"`
	Orders        []Order        `json:"orders"`
	CategoryLinks []CategoryLink `json:"category_links,omitempty"`
}

// DatasetImporter is implemented by backends that can be seeded from a Dataset.
type DatasetImporter interface {
	ImportDataset(ctx context.Context, ds *Dataset) error
}

// LoadDataset reads a JSON dataset from path.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"path":   path,
			"reason": err.Error(),
		})
	}
	ds.assignOrderIDs()
	return &ds, ds.Validate()
}

// assignOrderIDs gives orders without an id a generated one.
func (d *Dataset) assignOrderIDs() {
	for i := range d.Orders {
		if d.Orders[i].ID == "" {
			d.Orders[i].ID = OrderID(NewID())
		}
	}
}

// Validate checks every entity of the dataset.
func (d *Dataset) Validate() error {
	for _, u := range d.Users {
		if err := ValidateID("user_id", string(u.ID)); err != nil {
			return err
		}
	}
	for _, c := range d.Categories {
		if err := ValidateID("category_id", string(c.ID)); err != nil {
			return err
		}
	}
	for _, p := range d.Products {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	for _, o := range d.Orders {
		if err := o.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load copies every entity of ds into the adapter.
func (m *MemoryAdapter) Load(ds *Dataset) error {
	ds.assignOrderIDs()
	for _, u := range ds.Users {
		if err := m.PutUser(u); err != nil {
			return err
		}
	}
	for _, c := range ds.Categories {
		if err := m.PutCategory(c); err != nil {
			return err
		}
	}
	for _, p := range ds.Products {
		if err := m.PutProduct(p); err != nil {
			return err
		}
	}
	for _, l := range ds.CategoryLinks {
		m.LinkCategory(l.CategoryID, l.ProductID)
	}
	for _, o := range ds.Orders {
		if err := m.PutOrder(o); err != nil {
			return err
		}
	}
	return nil
}

// ImportDataset implements DatasetImporter.
func (m *MemoryAdapter) ImportDataset(ctx context.Context, ds *Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.Load(ds)
}
