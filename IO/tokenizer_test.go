package IO

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var testCaptions = []string{"A dog runs.", "A dog sits.", "The cat runs."}

func TestTokenizeWords(t *testing.T) {
	got := TokenizeWords("  A man's dog, running!  ")
	if diff := cmp.Diff([]string{"a", "man's", "dog", ",", "running", "!"}, got); diff != "" {
		t.Errorf("TokenizeWords mismatch (-want +got):\n%s", diff)
	}
	require.Empty(t, TokenizeWords("   "))
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences([]string{"a", "dog", ".", "it", "runs", ".", "fast"})
	want := [][]string{{"a", "dog", "."}, {"it", "runs", "."}, {"fast"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SplitSentences mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDictTokenizer(t *testing.T) {
	tok := BuildDictTokenizer(testCaptions, 1, 8)
	want := []string{"START", "END", "UNK", "PAD", "a", "dog", "runs", "."}
	if diff := cmp.Diff(want, tok.IDToToken); diff != "" {
		t.Fatalf("vocabulary mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 8, tok.VocabSize())
	require.Equal(t, 5, tok.TokenToID["dog"])

	ids, mask, err := tok.Encode("A dog sits.")
	require.NoError(t, err)
	require.Equal(t, []int{StartID, 4, 5, UnkID, 7, EndID, PadID, PadID}, ids)
	require.Equal(t, []bool{true, true, true, true, true, true, false, false}, mask)

	require.Equal(t, "START a dog UNK . END PAD PAD", tok.Decode(ids))
	require.Equal(t, "a UNK", tok.Decode([]int{4, 99}))

	start, end := tok.Markers()
	require.Equal(t, "START", start)
	require.Equal(t, "END", end)
}

func TestDictTokenizerTruncates(t *testing.T) {
	tok := BuildDictTokenizer(testCaptions, 1, 4)
	ids, mask, err := tok.Encode("a dog runs . a dog")
	require.NoError(t, err)
	require.Equal(t, []int{StartID, 4, 5, EndID}, ids)
	require.Equal(t, []bool{true, true, true, true}, mask)

	tok.SeqLen = 1
	_, _, err = tok.Encode("a dog")
	require.Error(t, err)
}

func TestDictVocabRoundTrip(t *testing.T) {
	tok := BuildDictTokenizer(testCaptions, 0, 6)
	path := filepath.Join(t.TempDir(), "vocab", "dict.json")
	require.NoError(t, tok.ExportVocabJSON(path))

	back, err := ImportDictTokenizer(path, 6)
	require.NoError(t, err)
	if diff := cmp.Diff(tok, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	loaded, err := LoadTokenizer(path, 6)
	require.NoError(t, err)
	require.IsType(t, &DictTokenizer{}, loaded)
	require.Equal(t, tok.VocabSize(), loaded.VocabSize())
}

func TestImportRejectsForeignVocab(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"TokenToID": {"a": 0}, "IDToToken": ["a", "b", "c", "d"]}`), 0o644))
	_, err := ImportDictTokenizer(bad, 6)
	require.ErrorContains(t, err, `want "START"`)

	short := filepath.Join(dir, "short.json")
	require.NoError(t, os.WriteFile(short, []byte(`{"TokenToID": {}, "IDToToken": ["START"]}`), 0o644))
	_, err = ImportDictTokenizer(short, 6)
	require.Error(t, err)

	notJSON := filepath.Join(dir, "vocab.txt")
	require.NoError(t, os.WriteFile(notJSON, []byte("a\nb\n"), 0o644))
	_, err = LoadTokenizer(notJSON, 6)
	require.Error(t, err)
}
