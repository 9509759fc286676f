package shopquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Key prefixes. Parts are joined with NUL, which ValidateID rejects inside ids,
// so a prefix scan over one id never reaches into another.
const (
	badgerUserPrefix       = "usr"
	badgerProductPrefix    = "prd"
	badgerCategoryPrefix   = "cat"
	badgerOrderPrefix      = "ord"
	badgerUserOrderPrefix  = "uso"
	badgerCatProductPrefix = "cap"
	badgerPurchaserPrefix  = "pur"
)

const badgerSep = "\x00"

func badgerKey(parts ...string) []byte {
	return []byte(strings.Join(parts, badgerSep))
}

// badgerPrefix is badgerKey with a trailing separator, for prefix scans.
func badgerPrefix(parts ...string) []byte {
	return []byte(strings.Join(parts, badgerSep) + badgerSep)
}

// badgerLogger routes badger's internal logging through Logger.
type badgerLogger struct {
	logger Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (bl *badgerLogger) Errorf(msg string, items ...any) {
	bl.logger.Error(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLogger) Warningf(msg string, items ...any) {
	bl.logger.Warn(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLogger) Infof(msg string, items ...any) {
	bl.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLogger) Debugf(msg string, items ...any) {
	bl.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

// BadgerAdapter reads an embedded badger database. It keeps a purchaser
// index next to the orders, so it offers both a reverse index and snapshots.
type BadgerAdapter struct {
	db     *badger.DB
	txn    *badger.Txn // set inside ReadSnapshot
	ownsDB bool
}

// NewBadgerAdapter creates an adapter over db. The caller keeps ownership.
func NewBadgerAdapter(db *badger.DB) *BadgerAdapter {
	return &BadgerAdapter{db: db}
}

// OpenBadgerAdapter opens the database described by cfg.
// The directory is created when it does not exist.
func OpenBadgerAdapter(cfg BadgerConfig, logger Logger) (*BadgerAdapter, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, DefaultDirPermissions); err != nil {
			return nil, unavailable(string(BackendBadger), "open", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts.Logger = &badgerLogger{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, unavailable(string(BackendBadger), "open", err)
	}
	return &BadgerAdapter{db: db, ownsDB: true}, nil
}

func (a *BadgerAdapter) Name() string { return string(BackendBadger) }

func (a *BadgerAdapter) Capabilities() Capabilities {
	return Capabilities{HasReverseIndex: true, SupportsSnapshot: true}
}

func (a *BadgerAdapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.db.IsClosed() {
		return unavailable(a.Name(), "ping", errors.New("database is closed"))
	}
	return nil
}

func (a *BadgerAdapter) Close() error {
	if a.ownsDB && a.txn == nil {
		return a.db.Close()
	}
	return nil
}

// ReadSnapshot runs fn against a single read transaction.
func (a *BadgerAdapter) ReadSnapshot(ctx context.Context, fn func(view Adapter) error) error {
	if a.txn != nil {
		return fn(a)
	}
	return a.db.View(func(txn *badger.Txn) error {
		return fn(&BadgerAdapter{db: a.db, txn: txn})
	})
}

// view runs fn in the snapshot transaction when there is one, otherwise in a fresh one.
func (a *BadgerAdapter) view(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	if a.txn != nil {
		err = fn(a.txn)
	} else {
		err = a.db.View(fn)
	}
	if err == nil || IsNotFound(err) || IsInvalidArgument(err) {
		return err
	}
	return unavailable(a.Name(), op, err)
}

// getJSON decodes the value stored at key into v. ok is false when key is absent.
func getJSON(txn *badger.Txn, key []byte, v interface{}) (ok bool, err error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
	return err == nil, err
}

// suffixes lists the last key part of every key under prefix.
func suffixes(txn *badger.Txn, prefix []byte) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, string(it.Item().Key()[len(prefix):]))
	}
	return out
}

func (a *BadgerAdapter) OrdersOfUser(ctx context.Context, id UserID) ([]Order, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}
	orders := []Order{}
	err := a.view(ctx, "orders_of_user", func(txn *badger.Txn) error {
		for _, oid := range suffixes(txn, badgerPrefix(badgerUserOrderPrefix, string(id))) {
			var stored storedOrder
			ok, err := getJSON(txn, badgerKey(badgerOrderPrefix, oid), &stored)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			o, err := stored.toOrder()
			if err != nil {
				return err
			}
			orders = append(orders, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (a *BadgerAdapter) ProductsInCategory(ctx context.Context, id CategoryID) ([]Product, error) {
	if err := ValidateID("category_id", string(id)); err != nil {
		return nil, err
	}
	products := []Product{}
	err := a.view(ctx, "products_in_category", func(txn *badger.Txn) error {
		for _, pid := range suffixes(txn, badgerPrefix(badgerCatProductPrefix, string(id))) {
			var p Product
			ok, err := getJSON(txn, badgerKey(badgerProductPrefix, pid), &p)
			if err != nil {
				return err
			}
			if ok {
				products = append(products, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

// AllUserIDs returns registered users plus owners of orders whose user record is missing.
func (a *BadgerAdapter) AllUserIDs(ctx context.Context) ([]UserID, error) {
	seen := make(map[UserID]struct{})
	err := a.view(ctx, "all_user_ids", func(txn *badger.Txn) error {
		for _, uid := range suffixes(txn, badgerPrefix(badgerUserPrefix)) {
			seen[UserID(uid)] = struct{}{}
		}
		for _, rest := range suffixes(txn, badgerPrefix(badgerUserOrderPrefix)) {
			if i := strings.Index(rest, badgerSep); i > 0 {
				seen[UserID(rest[:i])] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ids := make([]UserID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sortUserIDs(ids)
	return ids, nil
}

// PurchasersOf implements ReverseIndex.
func (a *BadgerAdapter) PurchasersOf(ctx context.Context, id ProductID) ([]UserID, error) {
	if err := ValidateID("product_id", string(id)); err != nil {
		return nil, err
	}
	var ids []UserID
	err := a.view(ctx, "purchasers_of", func(txn *badger.Txn) error {
		for _, uid := range suffixes(txn, badgerPrefix(badgerPurchaserPrefix, string(id))) {
			ids = append(ids, UserID(uid))
		}
		return nil
	})
	return ids, err
}

func (a *BadgerAdapter) GetUser(ctx context.Context, id UserID) (*User, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}
	var u User
	err := a.view(ctx, "get_user", func(txn *badger.Txn) error {
		ok, err := getJSON(txn, badgerKey(badgerUserPrefix, string(id)), &u)
		if err == nil && !ok {
			return notFound("user", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (a *BadgerAdapter) GetProduct(ctx context.Context, id ProductID) (*Product, error) {
	if err := ValidateID("product_id", string(id)); err != nil {
		return nil, err
	}
	var p Product
	err := a.view(ctx, "get_product", func(txn *badger.Txn) error {
		ok, err := getJSON(txn, badgerKey(badgerProductPrefix, string(id)), &p)
		if err == nil && !ok {
			return notFound("product", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (a *BadgerAdapter) GetCategory(ctx context.Context, id CategoryID) (*Category, error) {
	if err := ValidateID("category_id", string(id)); err != nil {
		return nil, err
	}
	var c Category
	err := a.view(ctx, "get_category", func(txn *badger.Txn) error {
		ok, err := getJSON(txn, badgerKey(badgerCategoryPrefix, string(id)), &c)
		if err == nil && !ok {
			return notFound("category", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (a *BadgerAdapter) GetOrder(ctx context.Context, id OrderID) (*Order, error) {
	if err := ValidateID("order_id", string(id)); err != nil {
		return nil, err
	}
	var o Order
	err := a.view(ctx, "get_order", func(txn *badger.Txn) error {
		var stored storedOrder
		ok, err := getJSON(txn, badgerKey(badgerOrderPrefix, string(id)), &stored)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("order", id)
		}
		o, err = stored.toOrder()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ImportDataset writes ds, maintaining the membership and purchaser keys.
func (a *BadgerAdapter) ImportDataset(ctx context.Context, ds *Dataset) error {
	ds.assignOrderIDs()
	if err := ds.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := a.db.NewWriteBatch()
	defer wb.Cancel()

	put := func(key []byte, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return wb.Set(key, data)
	}
	mark := func(key []byte) error {
		return wb.Set(key, nil)
	}

	for _, u := range ds.Users {
		if err := put(badgerKey(badgerUserPrefix, string(u.ID)), u); err != nil {
			return unavailable(a.Name(), "import", err)
		}
	}
	for _, c := range ds.Categories {
		if err := put(badgerKey(badgerCategoryPrefix, string(c.ID)), c); err != nil {
			return unavailable(a.Name(), "import", err)
		}
	}
	for _, p := range ds.Products {
		if err := put(badgerKey(badgerProductPrefix, string(p.ID)), p); err != nil {
			return unavailable(a.Name(), "import", err)
		}
		if p.CategoryID != "" {
			if err := mark(badgerKey(badgerCatProductPrefix, string(p.CategoryID), string(p.ID))); err != nil {
				return unavailable(a.Name(), "import", err)
			}
		}
	}
	for _, l := range ds.CategoryLinks {
		if err := mark(badgerKey(badgerCatProductPrefix, string(l.CategoryID), string(l.ProductID))); err != nil {
			return unavailable(a.Name(), "import", err)
		}
	}
	for _, o := range ds.Orders {
		if err := put(badgerKey(badgerOrderPrefix, string(o.ID)), fromOrder(o)); err != nil {
			return unavailable(a.Name(), "import", err)
		}
		if err := mark(badgerKey(badgerUserOrderPrefix, string(o.UserID), string(o.ID))); err != nil {
			return unavailable(a.Name(), "import", err)
		}
		for _, line := range o.Lines {
			if err := mark(badgerKey(badgerPurchaserPrefix, string(line.ProductID), string(o.UserID))); err != nil {
				return unavailable(a.Name(), "import", err)
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return unavailable(a.Name(), "import", err)
	}
	return nil
}
