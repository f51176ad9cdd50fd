package service

import (
	"bytes"
	"embed"
	"strings"
	"text/template"

	"persona-chat/backend/ai"
	"persona-chat/backend/internal/models"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var systemPrompt = template.Must(template.ParseFS(promptFS, "prompts/system.tmpl"))

type systemVars struct {
	PersonaName string
	UserName    string
	Description string
	Personality string
	Scenario    string
	Checkpoint  string
	AuthorNote  string
}

// BuildSystemPrompt renders the persona, scenario, checkpoint and author
// note into one system message.
func BuildSystemPrompt(persona *models.Persona, chat *models.Chat, checkpoint *models.Checkpoint) (string, error) {
	userName := userNameOf(chat)
	personaName := personaNameOf(persona)
	fill := placeholders(userName, personaName)

	vars := systemVars{
		PersonaName: personaName,
		UserName:    userName,
		Scenario:    fill.Replace(chat.Scenario),
		AuthorNote:  fill.Replace(chat.AuthorNote),
	}
	if persona != nil {
		vars.Description = fill.Replace(persona.Description)
		vars.Personality = fill.Replace(persona.Personality)
	}
	if checkpoint != nil {
		vars.Checkpoint = checkpoint.Content
	}

	var buf bytes.Buffer
	if err := systemPrompt.Execute(&buf, vars); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// History converts thread messages into provider messages. Messages
// without text are skipped.
func History(messages []models.Message) []ai.ChatMessage {
	out := make([]ai.ChatMessage, 0, len(messages))
	for _, m := range messages {
		text := m.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		role := ai.RoleUser
		switch m.Role {
		case models.RoleAssistant:
			role = ai.RoleAssistant
		case models.RoleSystem:
			role = ai.RoleSystem
		}
		out = append(out, ai.ChatMessage{Role: role, Content: text})
	}
	return out
}

func userNameOf(chat *models.Chat) string {
	if chat != nil && strings.TrimSpace(chat.UserPersonaName) != "" {
		return chat.UserPersonaName
	}
	return "User"
}

func personaNameOf(persona *models.Persona) string {
	if persona != nil && strings.TrimSpace(persona.Name) != "" {
		return persona.Name
	}
	return "Assistant"
}

// placeholders expands the {{user}} and {{char}} macros used in persona cards.
func placeholders(userName, personaName string) *strings.Replacer {
	return strings.NewReplacer(
		"{{user}}", userName,
		"{{User}}", userName,
		"{{char}}", personaName,
		"{{Char}}", personaName,
	)
}
