package users

import "time"

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

type Tier string

const (
	TierJunior Tier = "junior"
	TierSenior Tier = "senior"
	TierLead   Tier = "lead"
)

type User struct {
	ID        string    `json:"id" db:"id"`
	Role      Role      `json:"role" db:"role"`
	Tier      Tier      `json:"tier" db:"tier"`
	Credits   int       `json:"credits" db:"credits"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
