package llm

import (
	"reflect"
	"testing"
)

func decodeAll(t *testing.T, input []byte, chunkSizes []int) []string {
	t.Helper()

	var dec Decoder
	var events []string
	for len(input) > 0 {
		for _, size := range chunkSizes {
			if size > len(input) {
				size = len(input)
			}
			events = append(events, dec.Feed(input[:size])...)
			input = input[size:]
			if len(input) == 0 {
				break
			}
		}
	}
	return append(events, dec.Flush()...)
}

func TestDecoderSingleChunk(t *testing.T) {
	input := []byte("data: {\"response\":\"Hel\"}\n\ndata: {\"response\":\"lo\"}\n\ndata: [DONE]\n\n")

	var dec Decoder
	events := dec.Feed(input)

	want := []string{`{"response":"Hel"}`, `{"response":"lo"}`, `[DONE]`}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("unexpected events: got %q want %q", events, want)
	}
}

func TestDecoderChunkBoundaryEquivalence(t *testing.T) {
	input := []byte("data: {\"response\":\"你好\"}\r\n\r\ndata: {\"response\":\"🙂 ok\"}\n\nignored line\n\ndata: [DONE]\n\n")

	var whole Decoder
	want := whole.Feed(input)
	want = append(want, whole.Flush()...)

	// Byte-by-byte splits every multi-byte character, the data: marker
	// and the record separator across feeds.
	for _, sizes := range [][]int{{1}, {2}, {3}, {5}, {7}, {1, 4}, {6, 1}} {
		got := decodeAll(t, input, sizes)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split %v diverged: got %q want %q", sizes, got, want)
		}
	}
}

func TestDecoderHoldsTrailingCarriageReturn(t *testing.T) {
	var dec Decoder

	if events := dec.Feed([]byte("data: a\r\n\r")); len(events) != 0 {
		t.Fatalf("expected no events before separator completes, got %q", events)
	}
	events := dec.Feed([]byte("\ndata: b\n\n"))

	want := []string{"a", "b"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("unexpected events: got %q want %q", events, want)
	}
}

func TestDecoderFlushesUnterminatedRecord(t *testing.T) {
	var dec Decoder

	if events := dec.Feed([]byte("data: tail")); len(events) != 0 {
		t.Fatalf("expected no events for unterminated record, got %q", events)
	}

	events := dec.Flush()
	if !reflect.DeepEqual(events, []string{"tail"}) {
		t.Fatalf("unexpected flush events: %q", events)
	}

	if events := dec.Flush(); events != nil {
		t.Fatalf("second flush must be empty, got %q", events)
	}
}

func TestDecoderDiscardsRecordsWithoutDataLine(t *testing.T) {
	var dec Decoder

	events := dec.Feed([]byte(": comment\nretry: 100\n\ndata: kept\n\n"))
	if !reflect.DeepEqual(events, []string{"kept"}) {
		t.Fatalf("unexpected events: %q", events)
	}
}

func TestDecoderJoinsMultipleDataLines(t *testing.T) {
	var dec Decoder

	events := dec.Feed([]byte("data: first\ndata:second\ndata:  spaced\n\n"))
	want := []string{"first\nsecond\n spaced"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("unexpected events: got %q want %q", events, want)
	}
}

func TestDecoderEmptyFlush(t *testing.T) {
	var dec Decoder
	if events := dec.Flush(); events != nil {
		t.Fatalf("flush of pristine decoder must be empty, got %q", events)
	}
}
