// conversation.go - Aufbau des Prompts aus dem Chat-Verlauf
package template

import (
	"strings"

	"github.com/sphinx-mllm/sphinx/api"
)

// Message ist ein Eintrag der Konversation; Text leer bedeutet offener Turn
type Message struct {
	Role string
	Text string
}

// Conversation ist eine Instanz eines Templates mit eigenem Verlauf
type Conversation struct {
	t        *named
	messages []Message
}

func newConversation(t *named) *Conversation {
	return &Conversation{t: t}
}

// Roles gibt die Rollen (Nutzer, Assistent) zurueck
func (c *Conversation) Roles() (user, assistant string) {
	return c.t.Roles[0], c.t.Roles[1]
}

// Append fuegt eine Nachricht hinzu
func (c *Conversation) Append(role, text string) {
	c.messages = append(c.messages, Message{Role: role, Text: text})
}

// Replay spielt alle Turns ein. Ein fehlender Assistent-Text erzeugt
// den offenen Turn an dem die Generierung ansetzt.
func (c *Conversation) Replay(turns api.Conversation) {
	user, assistant := c.Roles()
	for _, turn := range turns {
		c.Append(user, turn.User)
		if turn.Assistant != nil {
			c.Append(assistant, *turn.Assistant)
		} else {
			c.Append(assistant, "")
		}
	}
}

// Separator ist die Zeichenkette an der eine Antwort endet
func (c *Conversation) Separator() string {
	if c.t.SepStyle == SepSingle {
		return c.t.Sep
	}
	return c.t.Sep2
}

// Prompt rendert System-Prompt und Verlauf
func (c *Conversation) Prompt() string {
	var sb strings.Builder

	switch c.t.SepStyle {
	case SepSingle:
		sb.WriteString(c.t.System)
		sb.WriteString("\n\n")
		for _, m := range c.messages {
			sb.WriteString(c.t.Sep)
			sb.WriteString(" ")
			sb.WriteString(m.Role)
			sb.WriteString(":")
			if m.Text != "" {
				sb.WriteString(" ")
				sb.WriteString(m.Text)
				sb.WriteString("\n")
			}
		}
	case SepTwo:
		seps := [2]string{c.t.Sep, c.t.Sep2}
		sb.WriteString(c.t.System)
		sb.WriteString(seps[0])
		for i, m := range c.messages {
			sb.WriteString(m.Role)
			sb.WriteString(":")
			if m.Text != "" {
				sb.WriteString(" ")
				sb.WriteString(m.Text)
				sb.WriteString(seps[i%2])
			}
		}
	}

	return sb.String()
}
