package IO

import (
	"fmt"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// PretrainedTokenizer wraps a WordPiece/BPE tokenizer.json, e.g. the
// distilbert-base-uncased vocabulary.
type PretrainedTokenizer struct {
	tk     *tk.Tokenizer
	seqLen int
	padID  int
}

func LoadPretrainedTokenizer(path string, seqLen int) (*PretrainedTokenizer, error) {
	if seqLen < 2 {
		return nil, fmt.Errorf("sequence length %d leaves no room for special tokens", seqLen)
	}
	t, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	pad := 0
	if id, ok := t.GetVocab(true)["[PAD]"]; ok {
		pad = id
	}
	return &PretrainedTokenizer{tk: t, seqLen: seqLen, padID: pad}, nil
}

// Encode adds the special tokens, truncates to the sequence length keeping
// the closing token, and pads with [PAD].
func (p *PretrainedTokenizer) Encode(text string) ([]int, []bool, error) {
	enc, err := p.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, nil, err
	}
	ids := append([]int(nil), enc.Ids...)
	if len(ids) > p.seqLen {
		last := ids[len(ids)-1]
		ids = append(ids[:p.seqLen-1], last)
	}
	return padIDs(ids, p.seqLen, p.padID)
}

// Decode keeps special tokens so decoded captions line up with references
// wrapped in Markers.
func (p *PretrainedTokenizer) Decode(ids []int) string {
	return p.tk.Decode(ids, false)
}

func (p *PretrainedTokenizer) VocabSize() int {
	return p.tk.GetVocabSize(true)
}

func (p *PretrainedTokenizer) Markers() (string, string) {
	return "[CLS]", "[SEP]"
}

// ExportVocabJSON writes TokenToID/IDToToken from the loaded tokenizer.
func (p *PretrainedTokenizer) ExportVocabJSON(path string) error {
	vocab := p.tk.GetVocab(true)
	id2tok := make([]string, len(vocab))
	for tok, id := range vocab {
		if id >= 0 && id < len(id2tok) {
			id2tok[id] = tok
		}
	}
	return writeVocabJSON(path, vocab, id2tok)
}
