// Package executor parses SELECT statements and answers them from the query service.
//
// Each query operation is exposed as a virtual table that must be filtered by
// its key column:
//
//	SELECT * FROM similar_users WHERE user_id = '42'
//	SELECT name, price FROM products_by_category WHERE category_id = '10' LIMIT 5
package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adrianmcphee/shopquery"
	"github.com/xwb1989/sqlparser"
)

// Result represents the result of executing a SQL statement
type Result struct {
	Columns []string
	Rows    [][]string
	Message string
}

// Service is the part of the query service the executor needs.
type Service interface {
	SimilarUsers(ctx context.Context, id shopquery.UserID) (shopquery.UserSet, error)
	SimilarUserRecords(ctx context.Context, id shopquery.UserID) ([]shopquery.User, error)
	ProductsByCategory(ctx context.Context, id shopquery.CategoryID) ([]shopquery.Product, error)
	ProductsByUser(ctx context.Context, id shopquery.UserID) ([]shopquery.Product, error)
	PurchaseSet(ctx context.Context, id shopquery.UserID) (shopquery.PurchaseSet, error)
}

// table is a virtual table backed by one query operation.
type table struct {
	key     string
	columns []string
	fetch   func(ctx context.Context, s Service, key string) ([][]string, error)
}

var userColumns = []string{"user_id", "name", "email", "registration_date"}
var productColumns = []string{"product_id", "name", "price", "category_id"}

var tables = map[string]table{
	"similar_users": {
		key:     "user_id",
		columns: []string{"user_id"},
		fetch: func(ctx context.Context, s Service, key string) ([][]string, error) {
			users, err := s.SimilarUsers(ctx, shopquery.UserID(key))
			if err != nil {
				return nil, err
			}
			var rows [][]string
			for _, id := range users.Sorted() {
				rows = append(rows, []string{string(id)})
			}
			return rows, nil
		},
	},
	"similar_user_records": {
		key:     "user_id",
		columns: userColumns,
		fetch: func(ctx context.Context, s Service, key string) ([][]string, error) {
			users, err := s.SimilarUserRecords(ctx, shopquery.UserID(key))
			if err != nil {
				return nil, err
			}
			rows := make([][]string, len(users))
			for i, u := range users {
				rows[i] = userRow(u)
			}
			return rows, nil
		},
	},
	"products_by_category": {
		key:     "category_id",
		columns: productColumns,
		fetch: func(ctx context.Context, s Service, key string) ([][]string, error) {
			products, err := s.ProductsByCategory(ctx, shopquery.CategoryID(key))
			return productRows(products), err
		},
	},
	"products_by_user": {
		key:     "user_id",
		columns: productColumns,
		fetch: func(ctx context.Context, s Service, key string) ([][]string, error) {
			products, err := s.ProductsByUser(ctx, shopquery.UserID(key))
			return productRows(products), err
		},
	},
	"purchase_set": {
		key:     "user_id",
		columns: []string{"product_id"},
		fetch: func(ctx context.Context, s Service, key string) ([][]string, error) {
			set, err := s.PurchaseSet(ctx, shopquery.UserID(key))
			if err != nil {
				return nil, err
			}
			var rows [][]string
			for _, id := range set.Sorted() {
				rows = append(rows, []string{string(id)})
			}
			return rows, nil
		},
	},
}

// Tables lists the virtual table names.
func Tables() []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	return names
}

func userRow(u shopquery.User) []string {
	registered := ""
	if !u.RegisteredAt.IsZero() {
		registered = u.RegisteredAt.UTC().Format(time.RFC3339)
	}
	return []string{string(u.ID), u.Name, u.Email, registered}
}

func productRows(products []shopquery.Product) [][]string {
	rows := make([][]string, len(products))
	for i, p := range products {
		rows[i] = []string{string(p.ID), p.Name, p.Price.String(), string(p.CategoryID)}
	}
	return rows
}

// Executor executes SQL statements
type Executor struct {
	service Service
}

// NewExecutor creates a new SQL executor
func NewExecutor(service Service) *Executor {
	return &Executor{service: service}
}

// Execute parses and executes a SQL statement
func (e *Executor) Execute(ctx context.Context, sql string) (*Result, error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return &Result{Message: "OK"}, nil
	}
	sql = strings.TrimSuffix(sql, ";")

	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, newError(KindSyntax, "parse error: %v", err)
	}

	switch s := stmt.(type) {
	case *sqlparser.Select:
		return e.executeSelect(ctx, s)
	default:
		return nil, newError(KindUnsupported, "unsupported statement type: %T", stmt)
	}
}

func (e *Executor) executeSelect(ctx context.Context, stmt *sqlparser.Select) (*Result, error) {
	if len(stmt.From) != 1 {
		return nil, newError(KindUnsupported, "only single table SELECT supported")
	}
	if stmt.GroupBy != nil || stmt.Having != nil || stmt.Distinct != "" {
		return nil, newError(KindUnsupported, "GROUP BY, HAVING and DISTINCT are not supported")
	}

	tableName, err := getTableName(stmt.From[0])
	if err != nil {
		return nil, err
	}
	if tableName == "dual" {
		return selectLiterals(stmt)
	}

	tbl, ok := tables[tableName]
	if !ok {
		return nil, newError(KindUndefinedTable, "relation %q does not exist", tableName)
	}

	projection, names, err := project(stmt.SelectExprs, tbl.columns)
	if err != nil {
		return nil, err
	}

	if stmt.Where == nil {
		return nil, newError(KindInvalidArgument, "%s requires WHERE %s = <value>", tableName, tbl.key)
	}
	key, err := keyValue(stmt.Where.Expr, tbl.key)
	if err != nil {
		return nil, err
	}

	descending, err := orderDirection(stmt.OrderBy, tbl.columns[0])
	if err != nil {
		return nil, err
	}
	offset, limit, err := limitBounds(stmt.Limit)
	if err != nil {
		return nil, err
	}

	rows, err := tbl.fetch(ctx, e.service, key)
	if err != nil {
		return nil, err
	}

	if descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	if offset >= len(rows) {
		rows = nil
	} else {
		rows = rows[offset:]
	}
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}

	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = make([]string, len(projection))
		for j, col := range projection {
			out[i][j] = row[col]
		}
	}

	return &Result{
		Columns: names,
		Rows:    out,
		Message: fmt.Sprintf("SELECT %d", len(out)),
	}, nil
}

// selectLiterals answers SELECT without FROM, used by clients as a liveness check.
func selectLiterals(stmt *sqlparser.Select) (*Result, error) {
	var names []string
	var row []string
	for _, expr := range stmt.SelectExprs {
		aliased, ok := expr.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, newError(KindUnsupported, "SELECT * requires a FROM clause")
		}
		val, ok := aliased.Expr.(*sqlparser.SQLVal)
		if !ok {
			return nil, newError(KindUnsupported, "only literal values can be selected without FROM")
		}
		name := "?column?"
		if !aliased.As.IsEmpty() {
			name = aliased.As.String()
		}
		names = append(names, name)
		row = append(row, string(val.Val))
	}
	return &Result{Columns: names, Rows: [][]string{row}, Message: "SELECT 1"}, nil
}

// project resolves the select list to column indexes and output names.
func project(exprs sqlparser.SelectExprs, columns []string) ([]int, []string, error) {
	var idx []int
	var names []string
	for _, expr := range exprs {
		switch e := expr.(type) {
		case *sqlparser.StarExpr:
			for i, c := range columns {
				idx = append(idx, i)
				names = append(names, c)
			}
		case *sqlparser.AliasedExpr:
			col, ok := e.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, nil, newError(KindUnsupported, "only column references can be selected")
			}
			name := col.Name.Lowered()
			i := indexOf(columns, name)
			if i < 0 {
				return nil, nil, newError(KindUndefinedColumn, "column %q does not exist", name)
			}
			if !e.As.IsEmpty() {
				name = e.As.String()
			}
			idx = append(idx, i)
			names = append(names, name)
		default:
			return nil, nil, newError(KindUnsupported, "unsupported select expression %T", expr)
		}
	}
	return idx, names, nil
}

// keyValue extracts the literal compared to keyColumn in "keyColumn = value".
func keyValue(expr sqlparser.Expr, keyColumn string) (string, error) {
	if paren, ok := expr.(*sqlparser.ParenExpr); ok {
		return keyValue(paren.Expr, keyColumn)
	}
	cmp, ok := expr.(*sqlparser.ComparisonExpr)
	if !ok || cmp.Operator != sqlparser.EqualStr {
		return "", newError(KindInvalidArgument, "WHERE must be a single %s = <value> predicate", keyColumn)
	}

	col, val := cmp.Left, cmp.Right
	if _, isCol := col.(*sqlparser.ColName); !isCol {
		col, val = val, col
	}
	name, ok := col.(*sqlparser.ColName)
	if !ok || name.Name.Lowered() != keyColumn {
		return "", newError(KindInvalidArgument, "WHERE must filter on %s", keyColumn)
	}
	lit, ok := val.(*sqlparser.SQLVal)
	if !ok || (lit.Type != sqlparser.StrVal && lit.Type != sqlparser.IntVal) {
		return "", newError(KindInvalidArgument, "%s must be compared to a string or integer literal", keyColumn)
	}
	return string(lit.Val), nil
}

// orderDirection accepts ORDER BY on the id column only, since results are already sorted by it.
func orderDirection(orderBy sqlparser.OrderBy, idColumn string) (bool, error) {
	switch len(orderBy) {
	case 0:
		return false, nil
	case 1:
		col, ok := orderBy[0].Expr.(*sqlparser.ColName)
		if !ok || col.Name.Lowered() != idColumn {
			return false, newError(KindUnsupported, "ORDER BY is only supported on %s", idColumn)
		}
		return orderBy[0].Direction == sqlparser.DescScr, nil
	default:
		return false, newError(KindUnsupported, "ORDER BY is only supported on %s", idColumn)
	}
}

// limitBounds returns offset and limit; limit is -1 when absent.
func limitBounds(limit *sqlparser.Limit) (int, int, error) {
	if limit == nil {
		return 0, -1, nil
	}
	offset := 0
	if limit.Offset != nil {
		n, err := intLiteral(limit.Offset, "OFFSET")
		if err != nil {
			return 0, 0, err
		}
		offset = n
	}
	count := -1
	if limit.Rowcount != nil {
		n, err := intLiteral(limit.Rowcount, "LIMIT")
		if err != nil {
			return 0, 0, err
		}
		count = n
	}
	return offset, count, nil
}

func intLiteral(expr sqlparser.Expr, clause string) (int, error) {
	val, ok := expr.(*sqlparser.SQLVal)
	if !ok || val.Type != sqlparser.IntVal {
		return 0, newError(KindInvalidArgument, "%s must be a non-negative integer", clause)
	}
	n, err := strconv.Atoi(string(val.Val))
	if err != nil || n < 0 {
		return 0, newError(KindInvalidArgument, "%s must be a non-negative integer", clause)
	}
	return n, nil
}

func getTableName(expr sqlparser.TableExpr) (string, error) {
	switch t := expr.(type) {
	case *sqlparser.AliasedTableExpr:
		if tbl, ok := t.Expr.(sqlparser.TableName); ok {
			return strings.ToLower(tbl.Name.String()), nil
		}
	}
	return "", newError(KindUnsupported, "could not determine table name")
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
