package splitter

import (
	"strings"
	"testing"
)

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	chunks := Split("hello world", 4096, 0)
	if len(chunks) != 1 || chunks[0] != "hello world" {
		t.Fatalf("chunks = %q, want single passthrough", chunks)
	}
}

func TestSplit_EmptyInput(t *testing.T) {
	if chunks := Split("", 100, 0); chunks != nil {
		t.Fatalf("chunks = %q, want nil", chunks)
	}
}

func TestSplit_RespectsMaxLen(t *testing.T) {
	text := strings.Repeat("a", 500)
	chunks := Split(text, 100, 10)
	if len(chunks) < 5 {
		t.Fatalf("got %d chunks, want >= 5", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk %d has %d chars, want <= 100", i, len(c))
		}
		if c == "" {
			t.Fatalf("chunk %d is empty", i)
		}
	}
	if got := strings.Join(chunks, ""); got != text {
		t.Fatalf("concatenation does not round-trip: %d chars vs %d", len(got), len(text))
	}
}

func TestSplit_PrefersParagraphBoundary(t *testing.T) {
	text := "first paragraph here\n\nsecond paragraph that runs long"
	chunks := Split(text, 30, 0)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want >= 2", len(chunks))
	}
	if chunks[0] != "first paragraph here" {
		t.Fatalf("first chunk = %q, want break at paragraph boundary", chunks[0])
	}
}

func TestSplit_FallsBackToLineBoundary(t *testing.T) {
	text := "line one goes here\nline two goes here\nline three"
	chunks := Split(text, 25, 0)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want >= 2", len(chunks))
	}
	if chunks[0] != "line one goes here" {
		t.Fatalf("first chunk = %q, want break at line boundary", chunks[0])
	}
}

func TestSplit_HardCutWithoutBoundary(t *testing.T) {
	text := strings.Repeat("x", 120)
	chunks := Split(text, 50, 0)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 50 {
			t.Fatalf("chunk %d len = %d, want <= 50", i, len(c))
		}
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("hard cut does not round-trip")
	}
}

func TestSplit_ReopensCodeFence(t *testing.T) {
	code := strings.Repeat("some code line\n", 10)
	text := "```go\n" + code + "```"
	chunks := Split(text, 80, 0)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want >= 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "```") {
		t.Fatalf("first chunk does not close fence: %q", chunks[0])
	}
	if !strings.HasPrefix(chunks[1], "```go\n") {
		t.Fatalf("second chunk does not reopen fence with language: %q", chunks[1])
	}
	for i, c := range chunks {
		if len(c) > 80 {
			t.Fatalf("chunk %d exceeds budget: %d chars", i, len(c))
		}
	}
}

func TestAddChunkMetadata(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		footer string
		want   []string
	}{
		{
			name:   "empty input",
			chunks: nil,
			want:   nil,
		},
		{
			name:   "single chunk no footer",
			chunks: []string{"body"},
			want:   []string{"body"},
		},
		{
			name:   "single chunk with footer",
			chunks: []string{"body"},
			footer: "\n—bot",
			want:   []string{"body\n—bot"},
		},
		{
			name:   "multiple chunks get indicators",
			chunks: []string{"one", "two", "three"},
			want:   []string{"one (1/3)", "two (2/3)", "three (3/3)"},
		},
		{
			name:   "footer lands on last chunk before indicator",
			chunks: []string{"one", "two"},
			footer: " [f]",
			want:   []string{"one (1/2)", "two [f] (2/2)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AddChunkMetadata(tt.chunks, tt.footer)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestAddChunkMetadata_ExactlyOneFooter(t *testing.T) {
	chunks := AddChunkMetadata([]string{"a", "b", "c", "d"}, "FOOT")
	count := 0
	for _, c := range chunks {
		if strings.Contains(c, "FOOT") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("footer appears in %d chunks, want exactly 1", count)
	}
	if !strings.Contains(chunks[len(chunks)-1], "FOOT") {
		t.Fatal("footer not on last chunk")
	}
}
