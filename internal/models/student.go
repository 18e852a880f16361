package models

// Student is the identity slice of a student record needed by the tuition flows.
type Student struct {
	ID       string `db:"id" json:"id"`
	FullName string `db:"full_name" json:"fullName"`
	Email    string `db:"email" json:"email"`
	Phone    string `db:"phone" json:"phone"`
	Active   bool   `db:"active" json:"active"`
}
