// Package inference streams chat completions from a decoding backend.
package inference

import (
	"github.com/23skdu/longbow-kllama/internal/engine"
	"github.com/23skdu/longbow-kllama/internal/tokenizer"
)

// Backend is a single decoding session plus the tokenizer that feeds it.
type Backend interface {
	// Forward appends token at the current position and returns the logits
	// for the following one.
	Forward(token int) ([]float32, error)
	Reset()
	Tokenize(text string) []int
	Decode(ids []int) string
	DecodeToken(id int) string
	EOS() int
	Position() int
	ContextLength() int
}

// LocalBackend runs the in-process CPU runtime.
type LocalBackend struct {
	rt  *engine.Runtime
	tok tokenizer.Tokenizer
}

func NewLocalBackend(rt *engine.Runtime, tok tokenizer.Tokenizer) *LocalBackend {
	return &LocalBackend{rt: rt, tok: tok}
}

func (b *LocalBackend) Forward(token int) ([]float32, error) { return b.rt.Forward(token) }
func (b *LocalBackend) Reset()                               { b.rt.Reset() }
func (b *LocalBackend) Tokenize(text string) []int           { return b.tok.Encode(text) }
func (b *LocalBackend) Decode(ids []int) string              { return b.tok.Decode(ids) }
func (b *LocalBackend) DecodeToken(id int) string            { return b.tok.DecodeToken(id) }
func (b *LocalBackend) EOS() int                             { return b.tok.EOS() }
func (b *LocalBackend) Position() int                        { return b.rt.Position() }
func (b *LocalBackend) ContextLength() int                   { return b.rt.Config().SeqLen }

// Runtime exposes the wrapped runtime.
func (b *LocalBackend) Runtime() *engine.Runtime { return b.rt }
