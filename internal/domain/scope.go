package domain

type ScopeKind string

const (
	ScopeProduct  ScopeKind = "product"
	ScopeBrand    ScopeKind = "brand"
	ScopeCategory ScopeKind = "category"
	ScopeGlobal   ScopeKind = "global"
)

// Scope targets a rule at a product, a brand, a category, or everything.
// Target is empty only for the global kind.
type Scope struct {
	Kind   ScopeKind `json:"kind"`
	Target string    `json:"target,omitempty"`
}

func ProductScope(sku string) Scope       { return Scope{Kind: ScopeProduct, Target: sku} }
func BrandScope(brand string) Scope       { return Scope{Kind: ScopeBrand, Target: brand} }
func CategoryScope(category string) Scope { return Scope{Kind: ScopeCategory, Target: category} }
func GlobalScope() Scope                  { return Scope{Kind: ScopeGlobal} }

// Matches reports whether the scope covers the given product.
func (s Scope) Matches(p *Product) bool {
	switch s.Kind {
	case ScopeProduct:
		return s.Target == p.SKU
	case ScopeBrand:
		return s.Target == p.Brand
	case ScopeCategory:
		return s.Target == p.Category
	case ScopeGlobal:
		return true
	}
	return false
}

// Specificity orders scopes for resolution: product beats brand beats
// category beats global.
func (s Scope) Specificity() int {
	switch s.Kind {
	case ScopeProduct:
		return 3
	case ScopeBrand:
		return 2
	case ScopeCategory:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the scope is well formed.
func (s Scope) Valid() bool {
	switch s.Kind {
	case ScopeProduct, ScopeBrand, ScopeCategory:
		return s.Target != ""
	case ScopeGlobal:
		return s.Target == ""
	}
	return false
}
