// Package authz gates which destinations a connected role may invoke. It
// replaces the teacher's project/environment-type group membership lookup
// (internal/rbac) with the gateway's flat three-role model: the decision
// needs no network round-trip, since the role was already settled at
// CONNECT time by internal/authn.
package authz

// Destination is one of the canonical inbound handler paths from the
// broker's routing table (e.g. "/app/terminal/open").
type Destination string

// Policy holds the closed destination -> allowed-roles table consulted by
// the broker before dispatching an inbound frame to its handler.
type Policy struct {
	roleCanAccess map[Destination]map[Role]bool
}

// Role mirrors authn.Role without importing internal/authn, so that
// internal/authz has no dependency on the authentication mechanics, only
// on the role names it gates.
type Role string

// Recognized roles, matching authn.Role's values.
const (
	RoleAdmin     Role = "admin"
	RoleUser      Role = "user"
	RoleAnonymous Role = "anonymous"
)

// Option configures a Policy built by NewPolicy.
type Option func(*Policy)

// defaultRoleCanAccess is the out-of-the-box destination -> role table.
// Terminal access is the anonymous-friendly path spec.md describes: a
// CONNECT with no (or an invalid) bearer token resolves to role
// "anonymous" rather than being rejected, and that anonymous principal
// must still reach the terminal destinations it connected for. Deployment
// and data operations touch the target host's package manager, Docker
// daemon, and container filesystem, so they default to admin-only.
func defaultRoleCanAccess() map[Destination]map[Role]bool {
	return map[Destination]map[Role]bool{
		"/app/terminal/open":      {RoleAdmin: true, RoleUser: true, RoleAnonymous: true},
		"/app/terminal/input":     {RoleAdmin: true, RoleUser: true, RoleAnonymous: true},
		"/app/terminal/resize":    {RoleAdmin: true, RoleUser: true, RoleAnonymous: true},
		"/app/deployment/start":   {RoleAdmin: true},
		"/app/deployment/confirm": {RoleAdmin: true},
		"/app/deployment/cancel":  {RoleAdmin: true},
		"/app/data/export":        {RoleAdmin: true},
		"/app/data/import":        {RoleAdmin: true},
	}
}

// AllowUserDeployment grants the "user" role access to the deployment
// destinations in addition to terminal access, for deployments that run
// the pipeline under end-user credentials rather than an operator token.
// Analogous in shape to the teacher's rbac.BlockDeveloperSSH: a single
// option that widens or narrows the default table.
func AllowUserDeployment() Option {
	return func(p *Policy) {
		for _, dest := range []Destination{
			"/app/deployment/start",
			"/app/deployment/confirm",
			"/app/deployment/cancel",
		} {
			if p.roleCanAccess[dest] == nil {
				p.roleCanAccess[dest] = map[Role]bool{}
			}
			p.roleCanAccess[dest][RoleUser] = true
		}
	}
}

// NewPolicy builds a Policy from defaultRoleCanAccess, applying opts in
// order.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{roleCanAccess: defaultRoleCanAccess()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CanAccess reports whether role may invoke destination. An unrecognized
// destination is denied: the routing table upstream already rejects
// unknown destinations as a ProtocolError, so reaching here with one
// would be a bug, not a permission question.
func (p *Policy) CanAccess(role Role, destination Destination) bool {
	allowed, ok := p.roleCanAccess[destination]
	if !ok {
		return false
	}
	return allowed[role]
}
