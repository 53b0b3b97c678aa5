package IO

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Tokenizer turns a caption into a fixed-length id sequence plus its
// validity mask, and back.
type Tokenizer interface {
	Encode(text string) (ids []int, mask []bool, err error)
	Decode(ids []int) string
	VocabSize() int
	// Markers are the start/end strings Decode emits around a caption.
	Markers() (start, end string)
}

// Dictionary ids shared by every DictTokenizer.
const (
	StartID = iota
	EndID
	UnkID
	PadID
)

// MinWordCount is the default frequency a word must exceed to get an id.
const MinWordCount = 10

var dictSpecial = []string{"START", "END", "UNK", "PAD"}

// DictTokenizer is a word-level vocabulary built from caption counts.
type DictTokenizer struct {
	TokenToID map[string]int
	IDToToken []string
	SeqLen    int
}

// BuildDictTokenizer counts the words of captions and keeps those seen more
// than minCount times, in order of first appearance.
func BuildDictTokenizer(captions []string, minCount, seqLen int) *DictTokenizer {
	counts := orderedmap.New[string, int]()
	for _, c := range captions {
		for _, sentence := range SplitSentences(TokenizeWords(c)) {
			for _, w := range sentence {
				n, _ := counts.Get(w)
				counts.Set(w, n+1)
			}
		}
	}
	idToToken := append([]string{}, dictSpecial...)
	for pair := counts.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value > minCount {
			idToToken = append(idToToken, pair.Key)
		}
	}
	return newDictTokenizer(idToToken, seqLen)
}

func newDictTokenizer(idToToken []string, seqLen int) *DictTokenizer {
	tok2id := make(map[string]int, len(idToToken))
	for i, t := range idToToken {
		tok2id[t] = i
	}
	return &DictTokenizer{TokenToID: tok2id, IDToToken: idToToken, SeqLen: seqLen}
}

func (t *DictTokenizer) lookup(w string) int {
	if id, ok := t.TokenToID[w]; ok {
		return id
	}
	return UnkID
}

// Encode maps text to START w… END, truncated to SeqLen and padded with PAD.
func (t *DictTokenizer) Encode(text string) ([]int, []bool, error) {
	if t.SeqLen < 2 {
		return nil, nil, fmt.Errorf("sequence length %d leaves no room for start/end markers", t.SeqLen)
	}
	words := TokenizeWords(text)
	if len(words) > t.SeqLen-2 {
		words = words[:t.SeqLen-2]
	}
	ids := make([]int, 0, t.SeqLen)
	ids = append(ids, StartID)
	for _, w := range words {
		ids = append(ids, t.lookup(w))
	}
	ids = append(ids, EndID)
	return padIDs(ids, t.SeqLen, PadID)
}

func (t *DictTokenizer) Decode(ids []int) string {
	words := make([]string, len(ids))
	for i, id := range ids {
		if id >= 0 && id < len(t.IDToToken) {
			words[i] = t.IDToToken[id]
		} else {
			words[i] = dictSpecial[UnkID]
		}
	}
	return strings.Join(words, " ")
}

func (t *DictTokenizer) VocabSize() int { return len(t.IDToToken) }

func (t *DictTokenizer) Markers() (string, string) {
	return dictSpecial[StartID], dictSpecial[EndID]
}

func (t *DictTokenizer) ExportVocabJSON(path string) error {
	return writeVocabJSON(path, t.TokenToID, t.IDToToken)
}

// ImportDictTokenizer loads a vocabulary written by ExportVocabJSON.
func ImportDictTokenizer(path string, seqLen int) (*DictTokenizer, error) {
	data, err := readVocabJSON(path)
	if err != nil {
		return nil, err
	}
	if len(data.IDToToken) < len(dictSpecial) {
		return nil, fmt.Errorf("%s: vocabulary has %d entries, want at least %d", path, len(data.IDToToken), len(dictSpecial))
	}
	for i, s := range dictSpecial {
		if data.IDToToken[i] != s {
			return nil, fmt.Errorf("%s: id %d is %q, want %q", path, i, data.IDToToken[i], s)
		}
	}
	return newDictTokenizer(data.IDToToken, seqLen), nil
}

// padIDs pads ids to n with pad and returns the matching validity mask.
func padIDs(ids []int, n, pad int) ([]int, []bool, error) {
	if len(ids) > n {
		return nil, nil, fmt.Errorf("%d ids exceed sequence length %d", len(ids), n)
	}
	mask := make([]bool, n)
	for i := range ids {
		mask[i] = true
	}
	for len(ids) < n {
		ids = append(ids, pad)
	}
	return ids, mask, nil
}

type vocabJSON struct {
	TokenToID map[string]int `json:"TokenToID"`
	IDToToken []string       `json:"IDToToken"`
}

func writeVocabJSON(path string, tok2id map[string]int, id2tok []string) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(vocabJSON{TokenToID: tok2id, IDToToken: id2tok})
}

func readVocabJSON(path string) (vocabJSON, error) {
	f, err := os.Open(path)
	if err != nil {
		return vocabJSON{}, err
	}
	defer f.Close()
	var data vocabJSON
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return vocabJSON{}, fmt.Errorf("%s: %w", path, err)
	}
	return data, nil
}

// LoadTokenizer opens a dictionary vocabulary (vocab JSON) or a pretrained
// tokenizer.json, whichever path holds.
func LoadTokenizer(path string, seqLen int) (Tokenizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if _, ok := probe["TokenToID"]; ok {
		return ImportDictTokenizer(path, seqLen)
	}
	return LoadPretrainedTokenizer(path, seqLen)
}
