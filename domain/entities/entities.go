package entities

import (
	"errors"
	"time"
)

// User represents a student account known to the tutor
type User struct {
	Key       string    `json:"key" bson:"_id"`
	Email     string    `json:"email" bson:"email"`
	Name      string    `json:"name" bson:"name"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// LessonContext describes what the student is currently studying
type LessonContext struct {
	Subject string   `json:"subject"`
	Modules []string `json:"modules,omitempty"`
}

// Domain validation methods
func (u *User) Validate() error {
	if u.Email == "" {
		return errors.New("email is required")
	}
	return nil
}

// DisplayName falls back to a neutral name when the user has none
func (u *User) DisplayName() string {
	if u.Name == "" {
		return "Estudante"
	}
	return u.Name
}
