package chat

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSession() *Session {
	s := NewSession("Be brief.")
	s.Add(RoleUser, "Hi")
	s.Add(RoleAssistant, "Hello!")
	s.Add(RoleUser, "Why?")
	return s
}

func TestFormatChatML(t *testing.T) {
	want := "<|im_start|>system\nBe brief.<|im_end|>\n" +
		"<|im_start|>user\nHi<|im_end|>\n" +
		"<|im_start|>assistant\nHello!<|im_end|>\n" +
		"<|im_start|>user\nWhy?<|im_end|>\n" +
		"<|im_start|>assistant\n"
	if diff := cmp.Diff(want, FormatChatML(sampleSession())); diff != "" {
		t.Errorf("FormatChatML mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatLlama2(t *testing.T) {
	want := "[INST] <<SYS>>\nBe brief.\n<</SYS>>\n\n" +
		"Hi [/INST] " +
		"Hello! </s><s>" +
		"[INST] Why? [/INST] "
	if diff := cmp.Diff(want, FormatLlama2(sampleSession())); diff != "" {
		t.Errorf("FormatLlama2 mismatch (-want +got):\n%s", diff)
	}

	s := NewSession("  ")
	s.Add(RoleSystem, "ignored")
	s.Add(RoleUser, "Hi")
	assert.Equal(t, "[INST] Hi [/INST] ", FormatLlama2(s))
}

func TestFormatSimple(t *testing.T) {
	want := "System: Be brief.\n\n" +
		"User: Hi\n\n" +
		"Assistant: Hello!\n\n" +
		"User: Why?\n\n" +
		"Assistant: "
	if diff := cmp.Diff(want, FormatSimple(sampleSession())); diff != "" {
		t.Errorf("FormatSimple mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatterByName(t *testing.T) {
	for _, name := range []string{"chatml", "ChatML", "", "llama2", "simple"} {
		f, err := FormatterByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, f)
	}
	_, err := FormatterByName("alpaca")
	assert.Error(t, err)
}

func TestSessionMessages(t *testing.T) {
	s := NewSession(DefaultSystemPrompt)
	_, err := uuid.Parse(s.ID)
	require.NoError(t, err)

	s.UpdateLast("nothing", false, 0)
	assert.Empty(t, s.Messages)

	m := s.Add(RoleUser, "a")
	s.Add(RoleAssistant, "")
	s.UpdateLast("partial", true, 3)

	require.Len(t, s.Messages, 2)
	assert.NotEqual(t, m.ID, s.Messages[1].ID)
	assert.Equal(t, "partial", s.Messages[1].Content)
	assert.True(t, s.Messages[1].Streaming)
	assert.Equal(t, 3, s.Messages[1].TokenCount)
	assert.False(t, s.Messages[1].Timestamp.IsZero())

	s.Clear()
	assert.Empty(t, s.Messages)
}
