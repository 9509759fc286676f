package executor

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/adrianmcphee/shopquery"
	"github.com/shopspring/decimal"
)

type fakeService struct {
	similar  map[shopquery.UserID]shopquery.UserSet
	users    map[shopquery.UserID]shopquery.User
	products map[shopquery.CategoryID][]shopquery.Product
	bought   map[shopquery.UserID][]shopquery.Product
	err      error
}

func newFakeService() *fakeService {
	registered := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return &fakeService{
		similar: map[shopquery.UserID]shopquery.UserSet{
			"1": {"2": {}, "3": {}},
		},
		users: map[shopquery.UserID]shopquery.User{
			"2": {ID: "2", Name: "Bob", Email: "bob@example.com", RegisteredAt: registered},
			"3": {ID: "3", Name: "Cy", Email: "cy@example.com"},
		},
		products: map[shopquery.CategoryID][]shopquery.Product{
			"10": {
				{ID: "100", Name: "Kettle", Price: decimal.RequireFromString("19.99"), CategoryID: "10"},
				{ID: "101", Name: "Toaster", Price: decimal.RequireFromString("24.50"), CategoryID: "10"},
				{ID: "102", Name: "Mixer", Price: decimal.RequireFromString("99"), CategoryID: "10"},
			},
		},
		bought: map[shopquery.UserID][]shopquery.Product{
			"1": {{ID: "100", Name: "Kettle", Price: decimal.RequireFromString("19.99"), CategoryID: "10"}},
		},
	}
}

func (f *fakeService) SimilarUsers(ctx context.Context, id shopquery.UserID) (shopquery.UserSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.similar[id], nil
}

func (f *fakeService) SimilarUserRecords(ctx context.Context, id shopquery.UserID) ([]shopquery.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []shopquery.User
	for _, uid := range f.similar[id].Sorted() {
		if u, ok := f.users[uid]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeService) ProductsByCategory(ctx context.Context, id shopquery.CategoryID) ([]shopquery.Product, error) {
	return f.products[id], f.err
}

func (f *fakeService) ProductsByUser(ctx context.Context, id shopquery.UserID) ([]shopquery.Product, error) {
	return f.bought[id], f.err
}

func (f *fakeService) PurchaseSet(ctx context.Context, id shopquery.UserID) (shopquery.PurchaseSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	set := shopquery.PurchaseSet{}
	for _, p := range f.bought[id] {
		set[p.ID] = struct{}{}
	}
	return set, nil
}

func execute(t *testing.T, e *Executor, sql string) *Result {
	t.Helper()
	result, err := e.Execute(context.Background(), sql)
	if err != nil {
		t.Fatalf("Execute(%q) failed: %v", sql, err)
	}
	return result
}

func TestSelectSimilarUsers(t *testing.T) {
	e := NewExecutor(newFakeService())

	result := execute(t, e, "SELECT * FROM similar_users WHERE user_id = '1'")
	if !reflect.DeepEqual(result.Columns, []string{"user_id"}) {
		t.Errorf("Expected columns [user_id], got %v", result.Columns)
	}
	want := [][]string{{"2"}, {"3"}}
	if !reflect.DeepEqual(result.Rows, want) {
		t.Errorf("Expected rows %v, got %v", want, result.Rows)
	}
	if result.Message != "SELECT 2" {
		t.Errorf("Expected tag SELECT 2, got %q", result.Message)
	}
}

func TestSelectAcceptsIntegerKey(t *testing.T) {
	e := NewExecutor(newFakeService())

	result := execute(t, e, "select user_id from similar_users where (user_id = 1);")
	if len(result.Rows) != 2 {
		t.Errorf("Expected 2 rows, got %v", result.Rows)
	}
}

func TestSelectUnknownUserIsEmpty(t *testing.T) {
	e := NewExecutor(newFakeService())

	result := execute(t, e, "SELECT * FROM similar_users WHERE user_id = 'nobody'")
	if len(result.Rows) != 0 {
		t.Errorf("Expected no rows, got %v", result.Rows)
	}
	if result.Message != "SELECT 0" {
		t.Errorf("Expected tag SELECT 0, got %q", result.Message)
	}
}

func TestSelectUserRecords(t *testing.T) {
	e := NewExecutor(newFakeService())

	result := execute(t, e, "SELECT name, registration_date AS joined FROM similar_user_records WHERE user_id = '1'")
	if !reflect.DeepEqual(result.Columns, []string{"name", "joined"}) {
		t.Errorf("Unexpected columns %v", result.Columns)
	}
	want := [][]string{{"Bob", "2024-01-02T03:04:05Z"}, {"Cy", ""}}
	if !reflect.DeepEqual(result.Rows, want) {
		t.Errorf("Expected rows %v, got %v", want, result.Rows)
	}
}

func TestSelectProductsWithOrderAndLimit(t *testing.T) {
	e := NewExecutor(newFakeService())

	result := execute(t, e, "SELECT product_id, price FROM products_by_category WHERE category_id = '10' ORDER BY product_id DESC LIMIT 1, 1")
	want := [][]string{{"101", "24.5"}}
	if !reflect.DeepEqual(result.Rows, want) {
		t.Errorf("Expected rows %v, got %v", want, result.Rows)
	}

	result = execute(t, e, "SELECT name FROM products_by_category WHERE category_id = '10' LIMIT 2")
	want = [][]string{{"Kettle"}, {"Toaster"}}
	if !reflect.DeepEqual(result.Rows, want) {
		t.Errorf("Expected rows %v, got %v", want, result.Rows)
	}

	result = execute(t, e, "SELECT name FROM products_by_category WHERE category_id = '10' LIMIT 5, 10")
	if len(result.Rows) != 0 {
		t.Errorf("Expected offset past the end to return no rows, got %v", result.Rows)
	}
}

func TestSelectProductsByUserAndPurchaseSet(t *testing.T) {
	e := NewExecutor(newFakeService())

	result := execute(t, e, "SELECT * FROM products_by_user WHERE user_id = '1'")
	want := [][]string{{"100", "Kettle", "19.99", "10"}}
	if !reflect.DeepEqual(result.Rows, want) {
		t.Errorf("Expected rows %v, got %v", want, result.Rows)
	}

	result = execute(t, e, "SELECT product_id FROM purchase_set WHERE user_id = '1'")
	if !reflect.DeepEqual(result.Rows, [][]string{{"100"}}) {
		t.Errorf("Unexpected purchase set rows %v", result.Rows)
	}
}

func TestSelectLiteral(t *testing.T) {
	e := NewExecutor(newFakeService())

	result := execute(t, e, "SELECT 1")
	if !reflect.DeepEqual(result.Rows, [][]string{{"1"}}) {
		t.Errorf("Expected a single row with 1, got %v", result.Rows)
	}
}

func TestEmptyStatement(t *testing.T) {
	e := NewExecutor(newFakeService())

	result := execute(t, e, "   ")
	if len(result.Columns) != 0 || result.Message != "OK" {
		t.Errorf("Unexpected result for empty statement: %+v", result)
	}
}

func TestExecuteErrors(t *testing.T) {
	e := NewExecutor(newFakeService())

	tests := []struct {
		name  string
		sql   string
		kind  Kind
		state string
	}{
		{"syntax", "SELEC oops", KindSyntax, "42601"},
		{"insert", "INSERT INTO similar_users (user_id) VALUES ('1')", KindUnsupported, "0A000"},
		{"unknown table", "SELECT * FROM orders WHERE user_id = '1'", KindUndefinedTable, "42P01"},
		{"unknown column", "SELECT age FROM similar_user_records WHERE user_id = '1'", KindUndefinedColumn, "42703"},
		{"missing where", "SELECT * FROM similar_users", KindInvalidArgument, "22023"},
		{"wrong key", "SELECT * FROM similar_users WHERE category_id = '1'", KindInvalidArgument, "22023"},
		{"range predicate", "SELECT * FROM similar_users WHERE user_id > '1'", KindInvalidArgument, "22023"},
		{"join", "SELECT * FROM similar_users, purchase_set WHERE user_id = '1'", KindUnsupported, "0A000"},
		{"group by", "SELECT user_id FROM similar_users WHERE user_id = '1' GROUP BY user_id", KindUnsupported, "0A000"},
		{"order by other column", "SELECT * FROM products_by_user WHERE user_id = '1' ORDER BY price", KindUnsupported, "0A000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), tt.sql)
			if err == nil {
				t.Fatalf("Expected error for %q", tt.sql)
			}
			if got := KindOf(err); got != tt.kind {
				t.Errorf("Expected kind %d, got %d (%v)", tt.kind, got, err)
			}
			if got := SQLState(err); got != tt.state {
				t.Errorf("Expected SQLSTATE %s, got %s", tt.state, got)
			}
		})
	}
}

func TestServiceErrorsMapToSQLState(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		state string
	}{
		{"invalid id", shopquery.WithContext(shopquery.ErrInvalidArgument, map[string]interface{}{"field": "user_id"}), "22023"},
		{"not found", shopquery.ErrNotFound, "02000"},
		{"timeout", shopquery.ErrTimeout, "57014"},
		{"unavailable", shopquery.ErrStorageUnavailable, "08006"},
		{"other", errors.New("boom"), "XX000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.err = tt.err
			e := NewExecutor(svc)

			_, err := e.Execute(context.Background(), "SELECT * FROM products_by_user WHERE user_id = '1'")
			if !errors.Is(err, tt.err) {
				t.Fatalf("Expected service error to pass through, got %v", err)
			}
			if got := SQLState(err); got != tt.state {
				t.Errorf("Expected SQLSTATE %s, got %s", tt.state, got)
			}
		})
	}
}

func TestTablesListsEveryQuery(t *testing.T) {
	names := map[string]bool{}
	for _, n := range Tables() {
		names[n] = true
	}
	for _, want := range []string{"similar_users", "similar_user_records", "products_by_category", "products_by_user", "purchase_set"} {
		if !names[want] {
			t.Errorf("Expected table %s to be listed", want)
		}
	}
}
