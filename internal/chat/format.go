package chat

import (
	"fmt"
	"strings"
)

// Formatter renders a session into the prompt text a model was trained on.
type Formatter func(s *Session) string

// FormatterByName returns "chatml", "llama2" or "simple".
func FormatterByName(name string) (Formatter, error) {
	switch strings.ToLower(name) {
	case "chatml", "":
		return FormatChatML, nil
	case "llama2":
		return FormatLlama2, nil
	case "simple":
		return FormatSimple, nil
	}
	return nil, fmt.Errorf("unknown chat format %q", name)
}

func FormatChatML(s *Session) string {
	var sb strings.Builder
	if strings.TrimSpace(s.SystemPrompt) != "" {
		sb.WriteString("<|im_start|>system\n")
		sb.WriteString(s.SystemPrompt)
		sb.WriteString("<|im_end|>\n")
	}
	for _, m := range s.Messages {
		sb.WriteString("<|im_start|>")
		sb.WriteString(string(m.Role))
		sb.WriteString("\n")
		sb.WriteString(m.Content)
		sb.WriteString("<|im_end|>\n")
	}
	sb.WriteString("<|im_start|>assistant\n")
	return sb.String()
}

// FormatLlama2 folds the system prompt into the first [INST] block. System
// messages in the history are dropped.
func FormatLlama2(s *Session) string {
	var sb strings.Builder
	hasSystem := strings.TrimSpace(s.SystemPrompt) != ""
	if hasSystem {
		sb.WriteString("[INST] <<SYS>>\n")
		sb.WriteString(s.SystemPrompt)
		sb.WriteString("\n<</SYS>>\n\n")
	}
	firstUser := true
	for _, m := range s.Messages {
		switch m.Role {
		case RoleUser:
			if !(firstUser && hasSystem) {
				sb.WriteString("[INST] ")
			}
			sb.WriteString(m.Content)
			sb.WriteString(" [/INST] ")
			firstUser = false
		case RoleAssistant:
			sb.WriteString(m.Content)
			sb.WriteString(" </s><s>")
		}
	}
	return sb.String()
}

func FormatSimple(s *Session) string {
	var sb strings.Builder
	if strings.TrimSpace(s.SystemPrompt) != "" {
		sb.WriteString("System: ")
		sb.WriteString(s.SystemPrompt)
		sb.WriteString("\n\n")
	}
	for _, m := range s.Messages {
		sb.WriteString(roleLabel(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Assistant: ")
	return sb.String()
}

func roleLabel(r Role) string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	}
	return "System"
}
