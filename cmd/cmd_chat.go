// cmd_chat.go - Terminal-Client fuer eine laufende Demo
// Hauptfunktionen: ChatHandler, chatSession (loop, command, send)
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/server"
)

const chatUsage = `Available Commands:
  /image <path>   Attach an image and start a new conversation
  /undo           Remove the last turn
  /clear          Clear the conversation
  /bye            Exit
`

// chatSession ist der Zustand eines Terminal-Chats
type chatSession struct {
	client *api.SessionClient
	req    api.ChatRequest
	out    io.Writer

	// interactive: Eingabe-Prompts nur am Terminal
	interactive bool
}

// isTerminal meldet ob rw eine Terminal-Datei ist
func isTerminal(rw any) bool {
	f, ok := rw.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ChatHandler - Verbindet sich mit SPHINX_HOST und chattet zeilenweise
func ChatHandler(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	sc, _, err := client.NewSession(cmd.Context())
	if err != nil {
		return fmt.Errorf("could not connect to a running demo: %w", err)
	}

	s := &chatSession{
		client:      sc,
		out:         cmd.OutOrStdout(),
		interactive: isTerminal(cmd.InOrStdin()) && isTerminal(cmd.OutOrStdout()),
	}
	flags := cmd.Flags()
	s.req.MaxTokens, _ = flags.GetInt("max-tokens")
	if flags.Changed("temperature") {
		v, _ := flags.GetFloat64("temperature")
		s.req.Temperature = &v
	}
	if flags.Changed("top-p") {
		v, _ := flags.GetFloat64("top-p")
		s.req.TopP = &v
	}
	transform, _ := flags.GetString("transform")
	s.req.ImageTransform = api.ImageTransform(transform)

	if path, _ := flags.GetString("image"); path != "" {
		if err := s.command(cmd.Context(), "/image "+path); err != nil {
			return err
		}
	}

	return s.loop(cmd.Context(), cmd.InOrStdin())
}

func (s *chatSession) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	s.prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/bye":
			return nil
		case strings.HasPrefix(line, "/"):
			if err := s.command(ctx, line); err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
		default:
			if err := s.send(ctx, line); err != nil {
				fmt.Fprintf(s.out, "\nerror: %v\n", err)
			}
		}
		s.prompt()
	}
	return scanner.Err()
}

func (s *chatSession) prompt() {
	if s.interactive {
		fmt.Fprint(s.out, ">>> ")
	}
}

func (s *chatSession) command(ctx context.Context, line string) error {
	name, arg, _ := strings.Cut(line, " ")
	switch name {
	case "/image":
		if arg == "" {
			return errors.New("usage: /image <path>")
		}
		if _, err := s.client.UploadImage(ctx, strings.TrimSpace(arg)); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Added image, conversation cleared.")
	case "/undo":
		resp, err := s.client.Undo(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%d turns left.\n", len(resp.Conversation))
	case "/clear":
		if _, err := s.client.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Cleared conversation.")
	default:
		fmt.Fprint(s.out, chatUsage)
	}
	return nil
}

// send streamt eine Antwort; ausgegeben wird jeweils nur der neue Teil
func (s *chatSession) send(ctx context.Context, msg string) error {
	req := s.req
	req.Message = msg

	var printed string
	var last api.ChatEvent
	err := s.client.Chat(ctx, &req, func(evt api.ChatEvent) error {
		last = evt
		turn := evt.Conversation.Last()
		if turn == nil || turn.Assistant == nil {
			return nil
		}

		text := server.UnescapeHTML(*turn.Assistant)
		if strings.HasPrefix(text, printed) {
			fmt.Fprint(s.out, text[len(printed):])
		} else {
			fmt.Fprint(s.out, "\n"+text)
		}
		printed = text
		return nil
	})
	if err != nil {
		return err
	}

	if !strings.HasSuffix(printed, "\n") {
		fmt.Fprintln(s.out)
	}
	for _, a := range last.Annotations {
		fmt.Fprintf(s.out, "  [%s] %s %v\n", a.Color, a.Text, a.Coordinates)
	}
	return nil
}

func newChatCmd() *cobra.Command {
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running demo from the terminal",
		Args:  cobra.ExactArgs(0),
		RunE:  ChatHandler,
	}

	flags := chatCmd.Flags()
	flags.String("image", "", "Image to attach before the first message")
	flags.Int("max-tokens", 0, "Maximum length of each answer (default from the demo)")
	flags.Float64("temperature", 0.1, "Sampling temperature")
	flags.Float64("top-p", 0.75, "Top-p sampling")
	flags.String("transform", "", "Image transform (padded_resize, resized_center_crop)")

	return chatCmd
}
