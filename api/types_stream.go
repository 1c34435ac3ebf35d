// types_stream.go - Nachrichten vom Worker zum Orchestrator
// Enthaelt: StreamChunk, MessageKind, Message
package api

import "fmt"

// StreamChunk ist ein Teilergebnis der Generierung.
// Text ist kumulativ; der letzte Chunk hat EndOfContent gesetzt.
type StreamChunk struct {
	Text         string `json:"text"`
	EndOfContent bool   `json:"end_of_content"`
}

// MessageKind unterscheidet die Varianten von Message
type MessageKind string

const (
	// MessageReady: der Worker hat den vorherigen Request abgeschlossen und wartet
	MessageReady MessageKind = "ready"
	// MessageChunk: ein StreamChunk des aktuellen Requests
	MessageChunk MessageKind = "chunk"
	// MessageError: die Generierung des aktuellen Requests ist fehlgeschlagen
	MessageError MessageKind = "error"
)

// Message ist die getaggte Variante {Ready, Chunk(text, end_of_content), Error}
// die ueber die Inbound-Queue laeuft. Error beendet den Turn wie ein
// Chunk mit EndOfContent.
type Message struct {
	Kind  MessageKind  `json:"kind"`
	Chunk *StreamChunk `json:"chunk,omitempty"`
	Error string       `json:"error,omitempty"`
}

// Ready erstellt ein ReadySignal
func Ready() Message {
	return Message{Kind: MessageReady}
}

// Chunk erstellt eine Chunk-Nachricht
func Chunk(text string, endOfContent bool) Message {
	return Message{Kind: MessageChunk, Chunk: &StreamChunk{Text: text, EndOfContent: endOfContent}}
}

// Failure erstellt eine Fehlermeldung fuer den aktuellen Turn
func Failure(err error) Message {
	return Message{Kind: MessageError, Error: err.Error()}
}

// IsReady meldet ob es sich um ein ReadySignal handelt
func (m Message) IsReady() bool {
	return m.Kind == MessageReady
}

// Validate prueft die Konsistenz von Kind und Nutzlast
func (m Message) Validate() error {
	switch m.Kind {
	case MessageReady:
		if m.Chunk != nil {
			return fmt.Errorf("ready message must not carry a chunk")
		}
	case MessageChunk:
		if m.Chunk == nil {
			return fmt.Errorf("chunk message without payload")
		}
	case MessageError:
		if m.Error == "" {
			return fmt.Errorf("error message without text")
		}
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

func (m Message) String() string {
	switch {
	case m.Kind == MessageChunk && m.Chunk != nil:
		return fmt.Sprintf("chunk(len=%d, eoc=%t)", len(m.Chunk.Text), m.Chunk.EndOfContent)
	case m.Kind == MessageError:
		return fmt.Sprintf("error(%s)", m.Error)
	}
	return string(m.Kind)
}
