package models

import (
	"time"
)

// Chat is a conversation between one user and one persona
type Chat struct {
	ID              string    `json:"id" gorm:"type:uuid;primaryKey"`
	UserID          string    `json:"userId" gorm:"type:varchar(128);not null;index"`
	PersonaID       string    `json:"personaId" gorm:"type:uuid;not null;index"`
	Title           string    `json:"title"`
	UserPersonaName string    `json:"userPersonaName"`
	Scenario        string    `json:"scenario" gorm:"type:text"`
	AuthorNote      string    `json:"authorNote" gorm:"type:text"`
	Model           string    `json:"model"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Persona is the AI character a chat talks to
type Persona struct {
	ID          string    `json:"id" gorm:"type:uuid;primaryKey"`
	Name        string    `json:"name" gorm:"not null"`
	Description string    `json:"description" gorm:"type:text"`
	Personality string    `json:"personality" gorm:"type:text"`
	Greeting    string    `json:"greeting" gorm:"type:text"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CreateChatRequest is the body of POST /chats
type CreateChatRequest struct {
	PersonaID       string `json:"personaId" binding:"required,uuid"`
	Title           string `json:"title"`
	UserPersonaName string `json:"userPersonaName"`
	Scenario        string `json:"scenario"`
	AuthorNote      string `json:"authorNote"`
	Model           string `json:"model"`
	SkipGreeting    bool   `json:"skipGreeting"`
}
