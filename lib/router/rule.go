package router

import (
	"regexp"
	"sync/atomic"
)

// Rule is configuration for a logical route: the (database, user) selector
// it matches, the upstream it resolves to, and the admission limits it
// imposes on routes built from it.
type Rule struct {
	Name string

	DBName      string
	DBNameRegex bool
	UserName    string
	UserRegex   bool

	// StorageDB/StorageUser, when set, override the route id so that
	// multiple client (db, user) pairs can share one backend pool.
	StorageDB   string
	StorageUser string
	Storage     *Storage

	PoolSize int
	PoolTTL  int

	ClientMaxSet bool
	ClientMax    uint

	obsolete atomic.Bool
	ref      atomic.Int32

	dbRe   *regexp.Regexp
	userRe *regexp.Regexp
}

// Obsolete reports whether a reconfigure has superseded this rule. Routes
// still holding it must be drained.
func (r *Rule) Obsolete() bool { return r.obsolete.Load() }

// RefCount is the number of routes and outstanding cancel copies keeping
// this rule alive.
func (r *Rule) RefCount() int32 { return r.ref.Load() }

func (r *Rule) matches(db, user string) bool {
	if !matchSelector(r.DBName, r.dbRe, db) {
		return false
	}
	return matchSelector(r.UserName, r.userRe, user)
}

func matchSelector(pattern string, re *regexp.Regexp, value string) bool {
	if pattern == "" {
		return true
	}
	if re != nil {
		return re.MatchString(value)
	}
	return pattern == value
}

// compileSelectors compiles the regex forms of a (db, user) selector pair
// without mutating any Rule, so a caller can validate a candidate selector
// before committing it.
func compileSelectors(dbName string, dbRegex bool, userName string, userRegex bool) (dbRe, userRe *regexp.Regexp, err error) {
	if dbRegex && dbName != "" {
		if dbRe, err = regexp.Compile(dbName); err != nil {
			return nil, nil, err
		}
	}
	if userRegex && userName != "" {
		if userRe, err = regexp.Compile(userName); err != nil {
			return nil, nil, err
		}
	}
	return dbRe, userRe, nil
}
