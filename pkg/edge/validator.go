package edge

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/node"
)

const (
	// DefaultValidationTTL is how long a validation result is reused.
	DefaultValidationTTL = 10 * time.Minute

	defaultCleanupInterval = 30 * time.Minute
	keySep                 = "\x00"
)

// Result is the outcome of validating one prospective edge.
type Result struct {
	Valid     bool
	Error     string
	CheckedAt time.Time
}

// Err returns the result as a validation error, or nil when valid.
func (r *Result) Err() error {
	if r.Valid {
		return nil
	}
	return cferrors.Validation(r.Error, ErrInvalidEdge)
}

// Validator checks edge endpoints and caches results per
// (source node, source channel, target node, target channel).
type Validator struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithCacheTTL overrides DefaultValidationTTL.
func WithCacheTTL(ttl time.Duration) ValidatorOption {
	return func(v *Validator) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

// NewValidator creates a validator with an empty cache.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{ttl: DefaultValidationTTL}
	for _, opt := range opts {
		opt(v)
	}
	v.cache = gocache.New(v.ttl, defaultCleanupInterval)
	return v
}

func cacheKey(srcID, srcCh, dstID, dstCh string) string {
	return strings.Join([]string{srcID, srcCh, dstID, dstCh}, keySep)
}

// ValidateEdge checks that srcCh is an output of src, dstCh an input of
// dst and that their type hints are compatible. Repeated calls return the
// cached *Result until a node involved is invalidated.
func (v *Validator) ValidateEdge(src, dst node.Node, srcCh, dstCh string) *Result {
	key := cacheKey(src.ID(), srcCh, dst.ID(), dstCh)
	if cached, found := v.cache.Get(key); found {
		if r, ok := cached.(*Result); ok {
			return r
		}
	}

	r := &Result{Valid: true, CheckedAt: time.Now().UTC()}
	if msg := checkEndpoints(src, dst, srcCh, dstCh); msg != "" {
		r.Valid = false
		r.Error = msg
	}
	v.cache.Set(key, r, v.ttl)
	return r
}

// InvalidateNode drops every cached result that mentions nodeID.
func (v *Validator) InvalidateNode(nodeID string) {
	for key := range v.cache.Items() {
		parts := strings.Split(key, keySep)
		if len(parts) == 4 && (parts[0] == nodeID || parts[2] == nodeID) {
			v.cache.Delete(key)
		}
	}
}

// InvalidateAll drops every cached result.
func (v *Validator) InvalidateAll() {
	v.cache.Flush()
}

// CacheSize returns the number of cached results.
func (v *Validator) CacheSize() int {
	return v.cache.ItemCount()
}
