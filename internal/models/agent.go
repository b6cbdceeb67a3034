package models

import "time"

// Agent is a hireable AI employee a user can converse with.
type Agent struct {
	ID         string    `json:"id" bson:"_id"`
	Name       string    `json:"name" bson:"name"`
	Title      string    `json:"title" bson:"title"`
	Persona    string    `json:"persona" bson:"persona"`
	Background string    `json:"background" bson:"background"`
	Model      string    `json:"model,omitempty" bson:"model,omitempty"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}
