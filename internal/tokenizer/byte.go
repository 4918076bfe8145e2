package tokenizer

import "github.com/23skdu/longbow-kllama/internal/metrics"

// ByteTokenizer maps every UTF-8 byte to its own id. Ids 0, 1 and 2 double as
// PAD, BOS and EOS, so those control bytes cannot round-trip.
type ByteTokenizer struct{}

const (
	bytePad = 0
	byteBOS = 1
	byteEOS = 2
)

func NewByte() ByteTokenizer { return ByteTokenizer{} }

// Encode returns BOS followed by the bytes of text.
func (ByteTokenizer) Encode(text string) []int {
	ids := make([]int, 0, len(text)+1)
	ids = append(ids, byteBOS)
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i]))
	}
	metrics.RecordTokenizerEncode(len(ids), 0)
	return ids
}

func (b ByteTokenizer) Decode(ids []int) string {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if b.skip(id) {
			continue
		}
		buf = append(buf, byte(id))
	}
	return string(buf)
}

func (b ByteTokenizer) DecodeToken(id int) string {
	if b.skip(id) {
		return ""
	}
	return string([]byte{byte(id)})
}

func (ByteTokenizer) skip(id int) bool {
	return id == bytePad || id == byteBOS || id == byteEOS || id < 0 || id > 255
}

func (ByteTokenizer) VocabSize() int { return 256 }
func (ByteTokenizer) BOS() int       { return byteBOS }
func (ByteTokenizer) EOS() int       { return byteEOS }
func (ByteTokenizer) Pad() int       { return bytePad }
