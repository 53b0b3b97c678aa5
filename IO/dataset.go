package IO

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/zzduoYI/diffusion-image-captioning/training"
)

// Caption is one row of a caption table.
type Caption struct {
	Image  string
	Number int
	Text   string
}

var (
	imageColumns   = []string{"image", "image_name"}
	captionColumns = []string{"caption", "comment"}
	numberColumns  = []string{"comment_number", "number"}
)

// LoadCaptions reads a caption table with a header row, e.g. flickr8k's
// captions.txt (",") or flickr30k's results.csv ("|").
func LoadCaptions(path string, delim rune) ([]Caption, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = delim
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: header: %w", path, err)
	}
	col := func(names []string) int {
		for i, h := range header {
			if slices.Contains(names, strings.ToLower(strings.TrimSpace(h))) {
				return i
			}
		}
		return -1
	}
	imgCol, capCol, numCol := col(imageColumns), col(captionColumns), col(numberColumns)
	if imgCol < 0 || capCol < 0 {
		return nil, fmt.Errorf("%s: header %q has no image/caption columns", path, header)
	}

	var out []Caption
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if len(rec) <= max(imgCol, capCol) {
			continue
		}
		c := Caption{Image: strings.TrimSpace(rec[imgCol]), Text: strings.TrimSpace(rec[capCol])}
		if numCol >= 0 && numCol < len(rec) {
			c.Number, _ = strconv.Atoi(strings.TrimSpace(rec[numCol]))
		}
		out = append(out, c)
	}
	return out, nil
}

// Example is one tokenized caption with its features.
type Example struct {
	Index    int
	Image    string
	Caption  string
	TokenIDs []int
	Mask     []bool
	ImageVec []float64
	TextVec  []float64
}

// Dataset holds every caption, tokenized, next to its image and text
// features. Feature rows are aligned with caption rows.
type Dataset struct {
	Examples  []Example
	Tokenizer Tokenizer
	byImage   map[string][]int
}

func NewDataset(captions []Caption, image, text [][]float64, tok Tokenizer) (*Dataset, error) {
	if len(image) != len(captions) || len(text) != len(captions) {
		return nil, fmt.Errorf("feature rows do not match captions: %d captions, %d image rows, %d text rows", len(captions), len(image), len(text))
	}
	ds := &Dataset{
		Examples:  make([]Example, len(captions)),
		Tokenizer: tok,
		byImage:   make(map[string][]int),
	}
	for i, c := range captions {
		ids, mask, err := tok.Encode(c.Text)
		if err != nil {
			return nil, fmt.Errorf("caption %d: %w", i, err)
		}
		ds.Examples[i] = Example{
			Index:    i,
			Image:    c.Image,
			Caption:  c.Text,
			TokenIDs: ids,
			Mask:     mask,
			ImageVec: image[i],
			TextVec:  text[i],
		}
		ds.byImage[c.Image] = append(ds.byImage[c.Image], i)
	}
	return ds, nil
}

func (d *Dataset) Len() int { return len(d.Examples) }

// References returns every caption of image, normalized and wrapped in the
// tokenizer's start/end markers.
func (d *Dataset) References(image string) []string {
	start, end := d.Tokenizer.Markers()
	idx := d.byImage[image]
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = start + " " + NormalizeCaption(d.Examples[j].Caption) + " " + end
	}
	return out
}

// Split partitions dataset indices into train and validation sets.
type Split struct {
	Seed  uint64 `json:"seed"`
	Train []int  `json:"train"`
	Val   []int  `json:"val"`
}

// NewSplit shuffles 0..n-1 and gives the first ratio·n indices to training.
func NewSplit(n int, ratio float64, seed uint64, rng *rand.Rand) Split {
	perm := rng.Perm(n)
	cut := int(float64(n) * ratio)
	return Split{Seed: seed, Train: perm[:cut], Val: perm[cut:]}
}

// SplitFromVal rebuilds a split from a saved validation set; training gets
// every other index.
func SplitFromVal(n int, val []int) Split {
	in := make(map[int]bool, len(val))
	for _, v := range val {
		in[v] = true
	}
	s := Split{Val: append([]int(nil), val...)}
	for i := range n {
		if !in[i] {
			s.Train = append(s.Train, i)
		}
	}
	return s
}

func SaveSplit(path string, s Split) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// LoadSplit reads a split written by SaveSplit and checks it against a
// dataset of n examples.
func LoadSplit(path string, n int) (Split, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Split{}, err
	}
	var s Split
	if err := json.Unmarshal(b, &s); err != nil {
		return Split{}, fmt.Errorf("%s: %w", path, err)
	}
	for _, i := range s.Val {
		if i < 0 || i >= n {
			return Split{}, fmt.Errorf("%s: validation index %d outside dataset of %d", path, i, n)
		}
	}
	out := SplitFromVal(n, s.Val)
	out.Seed = s.Seed
	return out, nil
}

// Loader batches a subset of a dataset. Incomplete trailing batches are
// dropped.
type Loader struct {
	ds      *Dataset
	indices []int
	batch   int
	shuffle bool
	rng     *rand.Rand
}

func NewLoader(ds *Dataset, indices []int, batchSize int, shuffle bool, rng *rand.Rand) *Loader {
	return &Loader{ds: ds, indices: append([]int(nil), indices...), batch: batchSize, shuffle: shuffle, rng: rng}
}

// Len is the number of full batches per epoch.
func (l *Loader) Len() int {
	if l.batch <= 0 {
		return 0
	}
	return len(l.indices) / l.batch
}

// Groups returns the examples of each batch, reshuffling first when the
// loader shuffles.
func (l *Loader) Groups() [][]Example {
	order := l.indices
	if l.shuffle {
		order = append([]int(nil), l.indices...)
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	out := make([][]Example, 0, l.Len())
	for b := range l.Len() {
		group := make([]Example, l.batch)
		for i := range group {
			group[i] = l.ds.Examples[order[b*l.batch+i]]
		}
		out = append(out, group)
	}
	return out
}

// Batches implements training.BatchSource.
func (l *Loader) Batches() []training.Batch {
	groups := l.Groups()
	out := make([]training.Batch, len(groups))
	for i, g := range groups {
		out[i] = Collate(g)
	}
	return out
}

// Collate packs examples into a training batch.
func Collate(examples []Example) training.Batch {
	b := training.Batch{
		TokenIDs: make([][]int, len(examples)),
		Masks:    make([][]bool, len(examples)),
		Image:    make([][]float64, len(examples)),
		Text:     make([][]float64, len(examples)),
	}
	for i, ex := range examples {
		b.TokenIDs[i] = ex.TokenIDs
		b.Masks[i] = ex.Mask
		b.Image[i] = ex.ImageVec
		b.Text[i] = ex.TextVec
	}
	return b
}
