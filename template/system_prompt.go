// system_prompt.go - Prompt-Formate fuer Trainingsdatensaetze
package template

import (
	"fmt"
	"strings"
)

// FormatPrompt rendert einen Datensatz-Eintrag im Format sysName.
// Fehlende Pflichtfelder sind ein Fehler.
func FormatPrompt(fields map[string]string, sysName string) (string, error) {
	switch sysName {
	case "alpaca":
		if in, ok := fields["input"]; !ok || strings.TrimSpace(in) == "" {
			return execute("alpaca_no_input", fields)
		}
		return execute("alpaca", fields)
	case "shortqa", "qg", "None":
		return execute(sysName, fields)
	case "caption":
		return "", nil
	case "nowllm":
		in, err := field(fields, "inputs_pretokenized")
		if err != nil {
			return "", err
		}
		target, err := field(fields, "targets_pretokenized")
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(in) + strings.TrimSpace(target), nil
	case "dpo":
		chosen, err := field(fields, "chosen")
		return strings.TrimSpace(chosen), err
	case "kto":
		conv, err := field(fields, "conversation")
		return strings.TrimSpace(conv), err
	default:
		return "", fmt.Errorf("unknown system prompt %q", sysName)
	}
}

func field(fields map[string]string, key string) (string, error) {
	v, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	return v, nil
}
