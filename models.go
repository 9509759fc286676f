package shopquery

import (
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Identifiers are opaque strings. Backends with integer keys render them in decimal.
type (
	UserID     string
	ProductID  string
	CategoryID string
	OrderID    string
)

// MaxIDLength bounds the size of any identifier accepted by a query.
const MaxIDLength = 256

// User is a customer account.
type User struct {
	ID           UserID    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Email        string    `json:"email" yaml:"email"`
	RegisteredAt time.Time `json:"registration_date" yaml:"registration_date"`
}

// Product is a catalog item. CategoryID is empty when the product is uncategorized.
type Product struct {
	ID         ProductID       `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Price      decimal.Decimal `json:"price" yaml:"price"`
	CategoryID CategoryID      `json:"category_id,omitempty" yaml:"category_id,omitempty"`
}

// Category groups products.
type Category struct {
	ID   CategoryID `json:"id" yaml:"id"`
	Name string     `json:"name" yaml:"name"`
}

// ProductSnapshot is the product name and price denormalized into an order line
// by document and key-value stores. It never participates in identity.
type ProductSnapshot struct {
	Name  string          `json:"product_name"`
	Price decimal.Decimal `json:"price"`
}

// OrderLine is one product within an order.
type OrderLine struct {
	ProductID ProductID        `json:"product_id"`
	Quantity  int              `json:"quantity"`
	Snapshot  *ProductSnapshot `json:"snapshot,omitempty"`
}

// Order is a purchase placed by a user.
type Order struct {
	ID        OrderID         `json:"id"`
	UserID    UserID          `json:"user_id"`
	OrderDate time.Time       `json:"order_date"`
	Total     decimal.Decimal `json:"total"`
	Lines     []OrderLine     `json:"items"`
}

// Validate checks the order invariants: positive quantities, non-negative total.
func (o Order) Validate() error {
	if err := ValidateID("order_id", string(o.ID)); err != nil {
		return err
	}
	if err := ValidateID("user_id", string(o.UserID)); err != nil {
		return err
	}
	if o.Total.IsNegative() {
		return WithContext(ErrInvalidArgument, map[string]interface{}{
			"field":  "total",
			"value":  o.Total.String(),
			"reason": "must be non-negative",
		})
	}
	for _, line := range o.Lines {
		if err := ValidateID("product_id", string(line.ProductID)); err != nil {
			return err
		}
		if line.Quantity <= 0 {
			return WithContext(ErrInvalidArgument, map[string]interface{}{
				"field":    "quantity",
				"order_id": o.ID,
				"value":    line.Quantity,
				"reason":   "must be positive",
			})
		}
	}
	return nil
}

// Validate checks the product invariants.
func (p Product) Validate() error {
	if err := ValidateID("product_id", string(p.ID)); err != nil {
		return err
	}
	if p.Price.IsNegative() {
		return WithContext(ErrInvalidArgument, map[string]interface{}{
			"field":  "price",
			"value":  p.Price.String(),
			"reason": "must be non-negative",
		})
	}
	return nil
}

// ValidateID rejects identifiers that no backend could hold: empty, oversized,
// invalid UTF-8 or containing control characters.
func ValidateID(field, id string) error {
	reason := ""
	switch {
	case id == "":
		reason = "must not be empty"
	case len(id) > MaxIDLength:
		reason = "too long"
	case !utf8.ValidString(id):
		reason = "not valid UTF-8"
	case strings.IndexFunc(id, unicode.IsControl) >= 0:
		reason = "contains control characters"
	case strings.TrimSpace(id) != id:
		reason = "has surrounding whitespace"
	}
	if reason == "" {
		return nil
	}
	return WithContext(ErrInvalidArgument, map[string]interface{}{
		"field":  field,
		"value":  id,
		"reason": reason,
	})
}

// PurchaseSet is the set of distinct products a user has ordered.
type PurchaseSet map[ProductID]struct{}

// NewPurchaseSet flattens the lines of orders into a set. Quantities are ignored.
func NewPurchaseSet(orders []Order) PurchaseSet {
	set := make(PurchaseSet)
	for _, order := range orders {
		for _, line := range order.Lines {
			set[line.ProductID] = struct{}{}
		}
	}
	return set
}

// Contains reports whether the product was purchased.
func (s PurchaseSet) Contains(id ProductID) bool {
	_, ok := s[id]
	return ok
}

// Intersects reports whether the two sets share at least one product.
func (s PurchaseSet) Intersects(other PurchaseSet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for id := range small {
		if _, ok := large[id]; ok {
			return true
		}
	}
	return false
}

// Sorted returns the product ids in ascending order.
func (s PurchaseSet) Sorted() []ProductID {
	ids := make([]ProductID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// UserSet is an unordered set of users, the result of a similarity query.
type UserSet map[UserID]struct{}

// NewUserSet builds a set from ids.
func NewUserSet(ids ...UserID) UserSet {
	set := make(UserSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Add inserts id.
func (s UserSet) Add(id UserID) {
	s[id] = struct{}{}
}

// Contains reports whether id is in the set.
func (s UserSet) Contains(id UserID) bool {
	_, ok := s[id]
	return ok
}

// Equal reports whether both sets hold the same users.
func (s UserSet) Equal(other UserSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Sorted returns the user ids in ascending order.
func (s UserSet) Sorted() []UserID {
	ids := make([]UserID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// dedupeProducts keeps the first occurrence of each product id and sorts by id.
func dedupeProducts(products []Product) []Product {
	seen := make(map[ProductID]struct{}, len(products))
	out := make([]Product, 0, len(products))
	for _, p := range products {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
