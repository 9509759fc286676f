package shopquery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// flexID decodes an identifier written either as a JSON string or a JSON number.
// Stores populated by different clients disagree on which one they use.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

// storedLine is an order line as document and key-value stores keep it,
// with the product snapshot flattened in.
type storedLine struct {
	ProductID   flexID           `json:"product_id"`
	Quantity    int              `json:"quantity"`
	ProductName string           `json:"product_name,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
}

func (l storedLine) toOrderLine() OrderLine {
	line := OrderLine{ProductID: ProductID(l.ProductID), Quantity: l.Quantity}
	if l.ProductName != "" || l.Price != nil {
		snap := &ProductSnapshot{Name: l.ProductName}
		if l.Price != nil {
			snap.Price = *l.Price
		}
		line.Snapshot = snap
	}
	return line
}

func fromOrderLine(line OrderLine) storedLine {
	s := storedLine{ProductID: flexID(line.ProductID), Quantity: line.Quantity}
	if line.Snapshot != nil {
		s.ProductName = line.Snapshot.Name
		price := line.Snapshot.Price
		s.Price = &price
	}
	return s
}

// decodeLines parses the JSON items array of an order.
func decodeLines(raw string) ([]OrderLine, error) {
	if raw == "" {
		return nil, nil
	}
	var stored []storedLine
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, err
	}
	lines := make([]OrderLine, 0, len(stored))
	for _, s := range stored {
		lines = append(lines, s.toOrderLine())
	}
	return lines, nil
}

// encodeLines is the inverse of decodeLines.
func encodeLines(lines []OrderLine) (string, error) {
	stored := make([]storedLine, 0, len(lines))
	for _, l := range lines {
		stored = append(stored, fromOrderLine(l))
	}
	data, err := json.Marshal(stored)
	return string(data), err
}

// storedOrder is the JSON document form of an order.
type storedOrder struct {
	ID        flexID          `json:"order_id"`
	UserID    flexID          `json:"user_id"`
	OrderDate string          `json:"order_date,omitempty"`
	Total     decimal.Decimal `json:"total"`
	Items     []storedLine    `json:"items"`
}

func (s storedOrder) toOrder() (Order, error) {
	o := Order{ID: OrderID(s.ID), UserID: UserID(s.UserID), Total: s.Total}
	if s.OrderDate != "" {
		t, err := parseTime(s.OrderDate)
		if err != nil {
			return Order{}, err
		}
		o.OrderDate = t
	}
	for _, l := range s.Items {
		o.Lines = append(o.Lines, l.toOrderLine())
	}
	return o, nil
}

func fromOrder(o Order) storedOrder {
	s := storedOrder{
		ID:     flexID(o.ID),
		UserID: flexID(o.UserID),
		Total:  o.Total,
		Items:  make([]storedLine, 0, len(o.Lines)),
	}
	if !o.OrderDate.IsZero() {
		s.OrderDate = formatTime(o.OrderDate)
	}
	for _, l := range o.Lines {
		s.Items = append(s.Items, fromOrderLine(l))
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func sortOrders(orders []Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
}

func sortUserIDs(ids []UserID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
