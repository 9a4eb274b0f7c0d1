package domains

import (
	"fmt"
	"time"
)

type User struct {
	ID           int64
	Username     string
	FirstName    string
	LastName     string
	Email        string
	IsActive     bool
	LastActivity time.Time

	// Free-form attributes, also consulted for the merge-author override.
	Attributes map[string]string
}

// ShortContact is the default display form used as the merge author.
func (u *User) ShortContact() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return fmt.Sprintf("%s <%s>", name, u.Email)
}

// Attribute looks up a named user attribute, falling back to the built-in
// fields for the common names.
func (u *User) Attribute(name string) (string, bool) {
	switch name {
	case "username":
		return u.Username, true
	case "email":
		return u.Email, true
	case "short_contact":
		return u.ShortContact(), true
	}
	v, ok := u.Attributes[name]
	return v, ok
}
