package chatsync

// Role is the closed set of participant kinds.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleMerchant Role = "merchant"
	RoleAdmin    Role = "admin"
)

type capabilities struct {
	autoMarkRead    bool
	write           bool
	scopedListing   bool
	counterpartRole Role
}

var roleCapabilities = map[Role]capabilities{
	RoleBuyer:    {autoMarkRead: true, write: true, scopedListing: true, counterpartRole: RoleMerchant},
	RoleMerchant: {autoMarkRead: true, write: true, scopedListing: true, counterpartRole: RoleBuyer},
	RoleAdmin:    {},
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleCapabilities[r]
	return ok
}

// CanAutoMarkRead reports whether selecting a conversation with unread
// messages marks it read.
func (r Role) CanAutoMarkRead() bool { return roleCapabilities[r].autoMarkRead }

// CanWrite reports whether the role may send messages or create conversations.
func (r Role) CanWrite() bool { return roleCapabilities[r].write }

// ScopedListing reports whether conversation listings are restricted to the
// viewer's own conversations. Admin sees everything.
func (r Role) ScopedListing() bool { return roleCapabilities[r].scopedListing }

// Counterpart is the role a participant of this role usually talks to.
func (r Role) Counterpart() Role { return roleCapabilities[r].counterpartRole }
