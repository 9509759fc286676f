package shopquery

import (
	"context"
)

// CatalogQuery answers product listings. Results are deduplicated by product
// id and sorted by id regardless of how the backend stores category links.
type CatalogQuery struct {
	adapter   Adapter
	purchases *PurchaseIndex
	batch     batchRunner
	logger    Logger
}

// ProductsByCategory returns the products belonging to a category.
// An unknown category has no products.
func (c *CatalogQuery) ProductsByCategory(ctx context.Context, id CategoryID) ([]Product, error) {
	if err := ValidateID("category_id", string(id)); err != nil {
		return nil, err
	}
	products, err := c.adapter.ProductsInCategory(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return []Product{}, nil
		}
		return nil, err
	}
	return dedupeProducts(products), nil
}

// ProductsByUser resolves the purchase set of a user to product records.
// Products deleted since the order was placed are skipped.
func (c *CatalogQuery) ProductsByUser(ctx context.Context, id UserID) ([]Product, error) {
	set, err := c.purchases.PurchaseSet(ctx, id)
	if err != nil {
		return nil, err
	}

	ids := set.Sorted()
	found := make([]*Product, len(ids))
	err = c.batch.run(ctx, len(ids), func(ctx context.Context, i int) error {
		p, err := c.adapter.GetProduct(ctx, ids[i])
		if err != nil {
			if IsNotFound(err) {
				c.logger.Debug("purchased product no longer exists", "user_id", id, "product_id", ids[i])
				return nil
			}
			return err
		}
		found[i] = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	products := make([]Product, 0, len(found))
	for _, p := range found {
		if p != nil {
			products = append(products, *p)
		}
	}
	return dedupeProducts(products), nil
}
