package middleware

import "net/http"

// Scope constants beyond tool:execute used by the management surface.
const (
	ScopeToolManage     = "tool:manage"
	ScopeApprovalDecide = "approval:decide"
	ScopeAuditRead      = "audit:read"
)

// RequireScope returns middleware that checks the authenticated actor
// holds at least one of the given scopes. It must be chained after the
// Auth middleware, which stores the scope set in the request context.
//
// Returns 401 Unauthorized when no actor is found in context. Returns
// 403 Forbidden when none of the scopes are held.
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			held, ok := ScopesFromContext(r.Context())
			if !ok {
				http.Error(w, `{"title":"Unauthorized","status":401,"detail":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			for _, s := range scopes {
				if held.Has(s) {
					next.ServeHTTP(w, r)
					return
				}
			}

			http.Error(w, `{"title":"Forbidden","status":403,"detail":"insufficient scope"}`, http.StatusForbidden)
		})
	}
}
