package tokenizer

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-kllama/internal/logger"
	"github.com/23skdu/longbow-kllama/internal/metrics"
)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	// DecodeToken renders one id for streaming output; specials render as "".
	DecodeToken(id int) string
	VocabSize() int
	BOS() int
	EOS() int
	Pad() int
}

const (
	spieceSpace = "▁"
	gptSpace    = "Ġ"
)

// VocabTokenizer is a greedy longest-match tokenizer over a token list with
// SentencePiece or GPT-2 style space markers and <0xNN> byte fallback.
type VocabTokenizer struct {
	Tokens []string
	Vocab  map[string]int

	space  string
	maxLen int
	bos    int
	eos    int
	pad    int
	unk    int
	bytes  [256]int
}

// NewVocab indexes tokens. Specials are looked up by their usual spellings
// and are -1 when absent.
func NewVocab(tokens []string) (*VocabTokenizer, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	t := &VocabTokenizer{
		Tokens: tokens,
		Vocab:  make(map[string]int, len(tokens)),
		space:  " ",
	}
	for i := range t.bytes {
		t.bytes[i] = -1
	}

	var spiece, gpt int
	for i, tok := range tokens {
		if _, dup := t.Vocab[tok]; !dup {
			t.Vocab[tok] = i
		}
		if n := utf8.RuneCountInString(tok); n > t.maxLen {
			t.maxLen = n
		}
		switch {
		case strings.HasPrefix(tok, spieceSpace):
			spiece++
		case strings.HasPrefix(tok, gptSpace):
			gpt++
		}
		if b, ok := byteToken(tok); ok {
			t.bytes[b] = i
		}
	}
	switch {
	case spiece > 0 && spiece >= gpt:
		t.space = spieceSpace
	case gpt > 0:
		t.space = gptSpace
	}

	t.bos = t.lookup("<s>", "<|begin_of_text|>", "<bos>")
	t.eos = t.lookup("</s>", "<|end_of_text|>", "<|eot_id|>", "<eos>")
	t.pad = t.lookup("<pad>", "<|pad|>")
	t.unk = t.lookup("<unk>")
	return t, nil
}

// LoadVocab reads a JSON array of token strings.
func LoadVocab(path string) (*VocabTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("invalid vocabulary %s: %w", path, err)
	}
	return NewVocab(tokens)
}

func (t *VocabTokenizer) lookup(names ...string) int {
	for _, n := range names {
		if id, ok := t.Vocab[n]; ok {
			return id
		}
	}
	return -1
}

func byteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// Encode prepends BOS when the vocabulary has one.
func (t *VocabTokenizer) Encode(text string) []int {
	var ids []int
	if t.bos >= 0 {
		ids = append(ids, t.bos)
	}
	if text == "" {
		return ids
	}

	s := strings.ReplaceAll(text, " ", t.space)
	if t.space == spieceSpace && !strings.HasPrefix(s, spieceSpace) {
		s = spieceSpace + s
	}

	// Unit boundaries: one per rune, and one per byte of invalid UTF-8 so
	// those bytes reach the byte fallback unchanged.
	bounds := make([]int, 0, len(s)+1)
	for off := 0; off < len(s); {
		bounds = append(bounds, off)
		_, size := utf8.DecodeRuneInString(s[off:])
		off += size
	}
	bounds = append(bounds, len(s))
	units := len(bounds) - 1

	unknown := 0
	for i := 0; i < units; {
		n := min(t.maxLen, units-i)
		matched := false
		for ; n > 0; n-- {
			if id, ok := t.Vocab[s[bounds[i]:bounds[i+n]]]; ok {
				ids = append(ids, id)
				i += n
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		r := s[bounds[i]:bounds[i+1]]
		i++
		if fb, ok := t.byteFallback(r); ok {
			ids = append(ids, fb...)
			continue
		}
		unknown++
		if t.unk >= 0 {
			ids = append(ids, t.unk)
		}
	}
	if unknown > 0 {
		logger.Log.Debug("Tokens not found in vocabulary", "count", unknown)
	}
	metrics.RecordTokenizerEncode(len(ids), unknown)
	return ids
}

func (t *VocabTokenizer) byteFallback(r string) ([]int, bool) {
	out := make([]int, 0, len(r))
	for i := 0; i < len(r); i++ {
		id := t.bytes[r[i]]
		if id < 0 {
			return nil, false
		}
		out = append(out, id)
	}
	return out, true
}

func (t *VocabTokenizer) special(id int) bool {
	return id == t.bos || id == t.eos || id == t.pad
}

func (t *VocabTokenizer) piece(id int) []byte {
	if id < 0 || id >= len(t.Tokens) || t.special(id) {
		return nil
	}
	tok := t.Tokens[id]
	if b, ok := byteToken(tok); ok {
		return []byte{b}
	}
	return []byte(strings.ReplaceAll(tok, t.space, " "))
}

func (t *VocabTokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.Write(t.piece(id))
	}
	out := sb.String()
	if t.space == spieceSpace {
		out = strings.TrimPrefix(out, " ")
	}
	return out
}

func (t *VocabTokenizer) DecodeToken(id int) string {
	return string(t.piece(id))
}

func (t *VocabTokenizer) VocabSize() int { return len(t.Tokens) }
func (t *VocabTokenizer) BOS() int       { return t.bos }
func (t *VocabTokenizer) EOS() int       { return t.eos }
func (t *VocabTokenizer) Pad() int       { return t.pad }
