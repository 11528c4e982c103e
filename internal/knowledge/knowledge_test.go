package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/flux/internal/observability"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Hello, World!", []string{"hello", "world"}},
		{"the quick brown fox", []string{"quick", "brown", "fox"}},
		// Particles are stripped longest-first.
		{"서울은 한국의 수도입니다", []string{"서울", "한국", "수도"}},
		{"서울에서 부산까지", []string{"서울", "부산"}},
		// Mixed script with punctuation boundaries.
		{"API키는 flux_test123 형식", []string{"api키", "flux", "test123", "형식"}},
		{"", nil},
		{"...!!!", nil},
	}
	for _, tt := range tests {
		got := Tokenize(tt.in)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("Tokenize(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSplitChunksParagraphs(t *testing.T) {
	content := "First paragraph.\n\nSecond paragraph.\n\n\n\nThird."
	chunks := SplitChunks(content)
	if len(chunks) != 3 || chunks[0] != "First paragraph." || chunks[2] != "Third." {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestSplitChunksLongParagraph(t *testing.T) {
	sentence := strings.Repeat("word ", 30) + "end."
	long := strings.TrimSpace(strings.Repeat(sentence+" ", 8))
	chunks := SplitChunks(long)
	if len(chunks) < 2 {
		t.Fatalf("long paragraph not split: %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > maxChunkChars {
			t.Errorf("chunk %d exceeds cap: %d chars", i, len([]rune(c)))
		}
	}
}

func TestSplitChunksHardWrap(t *testing.T) {
	chunks := SplitChunks(strings.Repeat("a", 1200))
	if len(chunks) != 3 {
		t.Fatalf("hard wrap produced %d chunks", len(chunks))
	}
	if len([]rune(chunks[0])) != maxChunkChars {
		t.Errorf("first chunk = %d chars", len([]rune(chunks[0])))
	}
}

func newTestBase(t *testing.T) *Base {
	t.Helper()
	b, err := Open(t.TempDir(), observability.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAddAndSearch(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()

	doc, err := b.AddDocument(ctx, "Go 동시성", "고루틴은 경량 스레드입니다. 채널로 통신합니다.", "manual")
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if _, err := b.AddDocument(ctx, "요리", "김치찌개는 돼지고기와 김치로 만듭니다.", "manual"); err != nil {
		t.Fatal(err)
	}

	results, err := b.Search("고루틴 채널", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].DocID != doc.ID || results[0].Title != "Go 동시성" {
		t.Errorf("top result = %+v", results[0])
	}
	if results[0].Score <= 0 {
		t.Errorf("score = %v", results[0].Score)
	}
}

func TestSearchRanking(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()

	exact, _ := b.AddDocument(ctx, "exact", "database indexing performance tuning", "")
	b.AddDocument(ctx, "partial", "database backup strategies", "")
	b.AddDocument(ctx, "unrelated", "cooking pasta at home", "")

	results, err := b.Search("database indexing", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) < 1 || results[0].DocID != exact.ID {
		t.Errorf("ranking = %+v", results)
	}
	for _, r := range results {
		if r.Title == "unrelated" {
			t.Errorf("unrelated document matched: %+v", r)
		}
	}
}

func TestSearchTopK(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.AddDocument(ctx, "doc", "shared topic words here", "")
	}
	results, _ := b.Search("shared topic", 2)
	if len(results) != 2 {
		t.Errorf("topK not applied: %d results", len(results))
	}
}

func TestDeleteDocumentRebuildsIndex(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()

	doc, _ := b.AddDocument(ctx, "t", "unique zanzibar content", "")
	if err := b.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteDocument(ctx, doc.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("second delete = %v", err)
	}
	results, _ := b.Search("zanzibar", 5)
	if len(results) != 0 {
		t.Errorf("deleted document still indexed: %+v", results)
	}
}

func TestRebuildFromDocuments(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()
	b.AddDocument(ctx, "t", "reproducible index content", "")

	// Rebuild from a fresh handle over the same directory.
	b2, err := Open(b.dir, observability.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := b2.Rebuild(); err != nil {
		t.Fatal(err)
	}
	results, _ := b2.Search("reproducible", 5)
	if len(results) != 1 {
		t.Errorf("rebuilt search = %+v", results)
	}
}

func TestListDocumentsOmitsContent(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()
	b.AddDocument(ctx, "first", "some content", "src")

	docs, err := b.ListDocuments()
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Title != "first" || docs[0].Content != "" {
		t.Errorf("docs = %+v", docs)
	}
}
