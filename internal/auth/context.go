package auth

import "context"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleBusiness Role = "business"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleBusiness, RoleAdmin:
		return true
	}
	return false
}

type contextKey struct{}

// Caller is the authenticated identity behind a request. ID is a customer
// id for RoleCustomer and a business id for RoleBusiness.
type Caller struct {
	ID   string
	Role Role
}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(contextKey{}).(Caller)
	return c, ok
}

// CustomerID returns the caller's id if the caller is a customer.
func CustomerID(ctx context.Context) string {
	c, ok := FromContext(ctx)
	if !ok || c.Role != RoleCustomer {
		return ""
	}
	return c.ID
}

// BusinessID returns the caller's id if the caller is a business.
func BusinessID(ctx context.Context) string {
	c, ok := FromContext(ctx)
	if !ok || c.Role != RoleBusiness {
		return ""
	}
	return c.ID
}

func IsAdmin(ctx context.Context) bool {
	c, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return c.Role == RoleAdmin
}
