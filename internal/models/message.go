package models

import (
	"sort"
	"time"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleSystem:
		return true
	default:
		return false
	}
}

// MessageMetadata carries tool and billing details attached to a message.
// Extra holds provider specific fields that have no dedicated column.
type MessageMetadata struct {
	Tool         string         `json:"tool,omitempty" bson:"tool,omitempty"`
	Provider     string         `json:"provider,omitempty" bson:"provider,omitempty"`
	Model        string         `json:"model,omitempty" bson:"model,omitempty"`
	InputTokens  int64          `json:"input_tokens,omitempty" bson:"input_tokens,omitempty"`
	OutputTokens int64          `json:"output_tokens,omitempty" bson:"output_tokens,omitempty"`
	Cost         float64        `json:"cost,omitempty" bson:"cost,omitempty"`
	ArtifactURLs []string       `json:"artifact_urls,omitempty" bson:"artifact_urls,omitempty"`
	Extra        map[string]any `json:"extra,omitempty" bson:"extra,omitempty"`
}

// Merge overlays the non-zero fields of patch onto a copy of m.
func (m MessageMetadata) Merge(patch MessageMetadata) MessageMetadata {
	out := m
	if patch.Tool != "" {
		out.Tool = patch.Tool
	}
	if patch.Provider != "" {
		out.Provider = patch.Provider
	}
	if patch.Model != "" {
		out.Model = patch.Model
	}
	if patch.InputTokens != 0 {
		out.InputTokens = patch.InputTokens
	}
	if patch.OutputTokens != 0 {
		out.OutputTokens = patch.OutputTokens
	}
	if patch.Cost != 0 {
		out.Cost = patch.Cost
	}
	if len(patch.ArtifactURLs) > 0 {
		out.ArtifactURLs = append([]string(nil), patch.ArtifactURLs...)
	}
	if len(patch.Extra) > 0 {
		extra := make(map[string]any, len(m.Extra)+len(patch.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		for k, v := range patch.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}

// Message is a single turn inside a conversation. Once Final is set the
// content no longer changes; only metadata may still be attached.
type Message struct {
	ID             string          `json:"id" bson:"_id"`
	ConversationID string          `json:"conversation_id" bson:"conversation_id"`
	Role           Role            `json:"role" bson:"role"`
	Content        string          `json:"content" bson:"content"`
	Metadata       MessageMetadata `json:"metadata" bson:"metadata"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
	Final          bool            `json:"final" bson:"final"`
	CreatedAt      time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" bson:"updated_at"`
}

// MessageLess reports whether a sorts before b: creation time first, then ID.
func MessageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return MessageLess(messages[i], messages[j])
	})
}
