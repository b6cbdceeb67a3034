package models

import "time"

// Conversation is the thread between one user and one hired agent.
type Conversation struct {
	ID             string    `json:"id" bson:"_id"`
	UserID         string    `json:"user_id" bson:"user_id"`
	AgentID        string    `json:"agent_id" bson:"agent_id"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at" bson:"last_activity_at"`
}
