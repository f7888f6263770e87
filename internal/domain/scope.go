package domain

// ScopeToolExecute is the capability required to submit any tool run.
const ScopeToolExecute = "tool:execute"

// ScopeSet is a resolved set of capability scopes supplied by the
// identity layer. The governance core treats it as opaque input.
type ScopeSet map[string]struct{}

func NewScopeSet(scopes ...string) ScopeSet {
	s := make(ScopeSet, len(scopes))
	for _, sc := range scopes {
		s[sc] = struct{}{}
	}
	return s
}

func (s ScopeSet) Has(scope string) bool {
	_, ok := s[scope]
	return ok
}

// Slice returns the scopes in unspecified order.
func (s ScopeSet) Slice() []string {
	out := make([]string, 0, len(s))
	for sc := range s {
		out = append(out, sc)
	}
	return out
}
