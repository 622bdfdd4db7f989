package models

// Profile is the display profile attached to a credential record.
type Profile struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}
