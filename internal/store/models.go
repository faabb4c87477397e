package store

import "agenda/api/internal/rbac"

type User struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (u User) IsAdmin() bool {
	return rbac.Normalize(u.Role) == rbac.RoleAdmin
}

// Event owner is a weak reference: it names a username that may not exist.
type Event struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Owner       string `json:"user"`
}

// Document is the whole persisted state. Event order is insertion order and
// is also the positional address used by index-based removal.
type Document struct {
	Users  []User  `json:"users"`
	Events []Event `json:"events"`
}

func EmptyDocument() Document {
	return Document{Users: []User{}, Events: []Event{}}
}

func (d *Document) FindUser(username string) (User, bool) {
	for _, user := range d.Users {
		if user.Username == username {
			return user, true
		}
	}
	return User{}, false
}

func (d *Document) EventsOwnedBy(owner string) []Event {
	owned := make([]Event, 0)
	for _, event := range d.Events {
		if event.Owner == owner {
			owned = append(owned, event)
		}
	}
	return owned
}

func (d *Document) EventIndex(id string) int {
	for i, event := range d.Events {
		if event.ID == id {
			return i
		}
	}
	return -1
}

func (d Document) Clone() Document {
	out := Document{
		Users:  make([]User, len(d.Users)),
		Events: make([]Event, len(d.Events)),
	}
	copy(out.Users, d.Users)
	copy(out.Events, d.Events)
	return out
}
