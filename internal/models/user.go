package models

// User is the subset of a marketplace account the chat needs.
type User struct {
	ID       int    `db:"id" json:"id"`
	Nickname string `db:"nickname" json:"nickname"`
}
