package ratelimit

import (
	"context"
	"sort"
	"strconv"
	"time"
)

type tier struct {
	name          string
	windowSeconds int64
	limit         int64
}

// resolveTiers orders tiers by ascending window, finest first. Equal windows
// are ordered by name so evaluation order is stable.
func resolveTiers(tiers Tiers, windows map[string]time.Duration) ([]tier, error) {
	if len(tiers) == 0 {
		return nil, invalidf("multi-tier spec has no tiers")
	}
	out := make([]tier, 0, len(tiers))
	for name, limit := range tiers {
		w, ok := windows[name]
		if !ok {
			return nil, invalidf("unknown tier %q", name)
		}
		if limit <= 0 {
			return nil, invalidf("tier %q limit must be > 0, got %d", name, limit)
		}
		out = append(out, tier{name: name, windowSeconds: int64(w / time.Second), limit: limit})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].windowSeconds != out[j].windowSeconds {
			return out[i].windowSeconds < out[j].windowSeconds
		}
		return out[i].name < out[j].name
	})
	return out, nil
}

func minTierLimit(tiers []tier) int64 {
	var m int64
	for i, t := range tiers {
		if i == 0 || t.limit < m {
			m = t.limit
		}
	}
	return m
}

func tierKey(key string, windowSeconds, id int64) string {
	return key + ":tier:" + strconv.FormatInt(windowSeconds, 10) + ":" + strconv.FormatInt(id, 10)
}

type tierEvaluator struct {
	store Store
}

// check records the attempt on every tier, finest first, then reports the
// first tier whose count is over its limit.
//
// Every tier sees every attempt, including ones a finer tier refuses, so a
// tier's count is always the number of attempts made in its window. Stopping
// at the first refusal would leave longer tiers under-counted while a finer
// tier is saturated.
//
// Nothing is rolled back: a request denied by per_second has still used one
// unit of per_minute. Each increment is atomic on its own; making the whole
// set all-or-nothing needs one transaction across every tier key.
// TODO: move the tier set into a single script with hash-tagged keys so denied attempts can be left uncounted.
func (te tierEvaluator) check(ctx context.Context, key string, tiers []tier, now time.Time) (Result, error) {
	results := make([]Result, len(tiers))
	for i, t := range tiers {
		id := windowID(now, t.windowSeconds)
		count, err := te.store.IncrWindow(ctx, tierKey(key, t.windowSeconds, id), windowTTL(t.windowSeconds))
		if err != nil {
			return Result{}, storeErr("incr_window", err)
		}
		results[i] = windowResult(count, t.limit, windowReset(id, t.windowSeconds), now)
	}

	var best Result
	for i, res := range results {
		if !res.Allowed {
			res.ExceededTier = tiers[i].name
			return res, nil
		}
		if i == 0 || res.Remaining < best.Remaining {
			best.Remaining = res.Remaining
			best.Limit = res.Limit
		}
		if i == 0 || res.ResetAt.Before(best.ResetAt) {
			best.ResetAt = res.ResetAt
		}
	}
	best.Allowed = true
	best.Algorithm = FixedWindow
	return best, nil
}
