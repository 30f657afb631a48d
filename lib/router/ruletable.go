package router

import (
	"fmt"
	"sync"
)

// RuleTable is the versioned mapping (database, user) -> Rule. Its own lock
// guards rule identity and refcounts independently of the router lock, so
// ref/unref stay correct even while a route is mid-GC.
type RuleTable struct {
	mu    sync.Mutex
	rules []*Rule
}

func newRuleTable() *RuleTable {
	return &RuleTable{}
}

// Forward returns the first configured rule whose selectors match, or nil.
func (t *RuleTable) Forward(db, user string) *Rule {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.rules {
		if r.matches(db, user) {
			return r
		}
	}
	return nil
}

// Merge atomically replaces the installed rule set. Rules common to both
// sets (matched by Name) retain their identity and refcount; rules dropped
// from the old set are marked obsolete; new rules start at refcount zero.
// Merge returns the number of rules whose obsolescence state changed, plus
// one error per rule whose selector failed to compile. A brand new rule
// with a bad selector is rejected outright rather than installed with a
// matcher silently falling back to exact-string comparison; an existing
// rule being updated keeps its previous compiled selector instead.
func (t *RuleTable) Merge(newRules []*Rule) (int, []error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := 0
	var errs []error
	used := make(map[*Rule]bool, len(t.rules))
	merged := make([]*Rule, 0, len(newRules))

	for _, nr := range newRules {
		var old *Rule
		for _, r := range t.rules {
			if !used[r] && r.Name == nr.Name {
				old = r
				break
			}
		}
		if old != nil {
			used[old] = true
			dbRe, userRe, err := compileSelectors(nr.DBName, nr.DBNameRegex, nr.UserName, nr.UserRegex)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %q: %w", old.Name, err))
			} else {
				old.DBName, old.DBNameRegex = nr.DBName, nr.DBNameRegex
				old.UserName, old.UserRegex = nr.UserName, nr.UserRegex
				old.dbRe, old.userRe = dbRe, userRe
			}
			old.StorageDB, old.StorageUser = nr.StorageDB, nr.StorageUser
			old.Storage = nr.Storage
			old.PoolSize, old.PoolTTL = nr.PoolSize, nr.PoolTTL
			old.ClientMaxSet, old.ClientMax = nr.ClientMaxSet, nr.ClientMax
			if old.obsolete.CompareAndSwap(true, false) {
				changed++
			}
			merged = append(merged, old)
			continue
		}
		dbRe, userRe, err := compileSelectors(nr.DBName, nr.DBNameRegex, nr.UserName, nr.UserRegex)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", nr.Name, err))
			continue
		}
		nr.dbRe, nr.userRe = dbRe, userRe
		merged = append(merged, nr)
	}

	for _, r := range t.rules {
		if !used[r] && r.obsolete.CompareAndSwap(false, true) {
			changed++
		}
	}

	t.rules = merged
	return changed, errs
}

// Ref increments a rule's refcount.
func (t *RuleTable) Ref(r *Rule) {
	r.ref.Add(1)
}

// Unref decrements a rule's refcount. A Go rule needs no explicit free on
// reaching zero; it is collected once its last holder drops the pointer.
func (t *RuleTable) Unref(r *Rule) {
	r.ref.Add(-1)
}
