package trace

import (
	"bytes"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSteps() []Step {
	return []Step{
		{SessionID: "a", Step: 0, Position: 4, TokenID: 72, Text: "H", LatencyMicros: 120, TokensPerSecond: 0},
		{SessionID: "a", Step: 1, Position: 5, TokenID: 105, Text: "i", LatencyMicros: 98, TokensPerSecond: 10.5},
	}
}

func TestRecorderIPCRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	r := NewRecorder(mem)
	for _, s := range sampleSteps() {
		r.Append(s)
	}
	assert.Equal(t, 2, r.Len())

	rec := r.NewRecord()
	assert.Equal(t, 0, r.Len())
	assert.EqualValues(t, 2, rec.NumRows())
	assert.True(t, rec.Schema().Equal(Schema))

	var buf bytes.Buffer
	require.NoError(t, WriteIPC(&buf, rec))
	rec.Release()
	r.Release()

	got, err := ReadIPC(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(sampleSteps(), got); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestRecorderConcurrentAppend(t *testing.T) {
	r := NewRecorder(nil)
	defer r.Release()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				r.Append(Step{SessionID: string(rune('a' + g)), Step: i})
			}
		}(g)
	}
	wg.Wait()

	rec := r.NewRecord()
	defer rec.Release()
	assert.EqualValues(t, 100, rec.NumRows())
	assert.Len(t, Steps(rec), 100)
}

func TestReadIPCRejectsGarbage(t *testing.T) {
	_, err := ReadIPC(bytes.NewReader([]byte("not arrow")))
	assert.Error(t, err)
}
