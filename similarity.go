package shopquery

import (
	"context"
	"fmt"
)

// Strategy selects how similar users are found.
type Strategy string

const (
	// StrategyAuto picks StrategyIndex when the adapter has a reverse index, StrategyScan otherwise.
	StrategyAuto Strategy = ""
	// StrategyScan walks every user and intersects purchase sets.
	StrategyScan Strategy = "scan"
	// StrategyIndex unions the purchasers of every product the user bought.
	StrategyIndex Strategy = "index"
)

// resolveStrategy turns the configured strategy into a concrete one for adapter.
func resolveStrategy(s Strategy, a Adapter) (Strategy, error) {
	_, hasIndex := reverseIndexOf(a)
	switch s {
	case StrategyAuto:
		if hasIndex {
			return StrategyIndex, nil
		}
		return StrategyScan, nil
	case StrategyScan:
		return StrategyScan, nil
	case StrategyIndex:
		if !hasIndex {
			return "", WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":   "Strategy",
				"value":   string(s),
				"adapter": a.Name(),
				"reason":  "adapter has no reverse index",
			})
		}
		return StrategyIndex, nil
	default:
		return "", WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Strategy",
			"value":  string(s),
			"reason": "unknown strategy",
		})
	}
}

// SimilarityEngine finds users who share at least one purchased product
// with a given user. Both strategies return the same set on the same data.
type SimilarityEngine struct {
	adapter   Adapter
	purchases *PurchaseIndex
	strategy  Strategy
	batch     batchRunner
	logger    Logger
}

// SimilarUsers returns every user other than id whose purchase set intersects
// the purchase set of id. A user without purchases has no similar users.
func (e *SimilarityEngine) SimilarUsers(ctx context.Context, id UserID) (UserSet, error) {
	own, err := e.purchases.PurchaseSet(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(own) == 0 {
		e.logger.Debug("user has no purchases", "user_id", id)
		return UserSet{}, nil
	}

	switch e.strategy {
	case StrategyIndex:
		return e.byIndex(ctx, id, own)
	case StrategyScan:
		return e.byScan(ctx, id, own)
	default:
		return nil, fmt.Errorf("%w: unresolved strategy %q", ErrInvalidConfig, e.strategy)
	}
}

func (e *SimilarityEngine) byScan(ctx context.Context, id UserID, own PurchaseSet) (UserSet, error) {
	all, err := e.adapter.AllUserIDs(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]UserID, 0, len(all))
	seen := make(map[UserID]struct{}, len(all))
	for _, other := range all {
		if other == id {
			continue
		}
		if _, dup := seen[other]; dup {
			continue
		}
		seen[other] = struct{}{}
		candidates = append(candidates, other)
	}

	matches := make([]bool, len(candidates))
	err = e.batch.run(ctx, len(candidates), func(ctx context.Context, i int) error {
		theirs, err := e.purchases.PurchaseSet(ctx, candidates[i])
		if err != nil {
			return err
		}
		matches[i] = own.Intersects(theirs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make(UserSet)
	for i, ok := range matches {
		if ok {
			result.Add(candidates[i])
		}
	}
	return result, nil
}

func (e *SimilarityEngine) byIndex(ctx context.Context, id UserID, own PurchaseSet) (UserSet, error) {
	index, ok := reverseIndexOf(e.adapter)
	if !ok {
		return nil, errNoReverseIndex(e.adapter)
	}

	products := own.Sorted()
	purchasers := make([][]UserID, len(products))
	err := e.batch.run(ctx, len(products), func(ctx context.Context, i int) error {
		users, err := index.PurchasersOf(ctx, products[i])
		if err != nil {
			return err
		}
		purchasers[i] = users
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make(UserSet)
	for _, users := range purchasers {
		for _, u := range users {
			result.Add(u)
		}
	}
	delete(result, id)
	return result, nil
}
