// internal/model/user.go
package model

// User is the directory view of a recipient.
type User struct {
	ID          string `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	PhoneNumber string `db:"phone_number" json:"phone_number"`
	Email       string `db:"email" json:"email"`
}

// Field returns a directory field addressed by a filler key such as "name" or "user.email".
func (u *User) Field(key string) (string, bool) {
	switch key {
	case "id", "user_id":
		return u.ID, true
	case "name":
		return u.Name, true
	case "phone", "phone_number":
		return u.PhoneNumber, true
	case "email":
		return u.Email, true
	}
	return "", false
}
