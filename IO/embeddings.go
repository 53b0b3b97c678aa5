package IO

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"gonum.org/v1/gonum/mat"

	"github.com/zzduoYI/diffusion-image-captioning/transformer"
)

// LoadFeatures reads a (rows x dim) feature matrix, one row per caption.
// .pt/.pickle files are torch tensors; anything else is raw little-endian
// float32.
func LoadFeatures(path string, dim int) ([][]float64, error) {
	var (
		flat  []float32
		shape []int
		err   error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pt", ".pth", ".pickle":
		flat, shape, err = loadTorchTensor(path, "")
	default:
		flat, err = readFloat32s(path)
		if err == nil && dim > 0 {
			shape = []int{len(flat) / dim, dim}
		}
	}
	if err != nil {
		return nil, err
	}
	if dim <= 0 || len(shape) != 2 || shape[1] != dim || shape[0]*dim != len(flat) {
		return nil, fmt.Errorf("%s: %d values with shape %v do not form rows of width %d", path, len(flat), shape, dim)
	}
	rows := make([][]float64, shape[0])
	for i := range rows {
		row := make([]float64, dim)
		for j := range row {
			row[j] = float64(flat[i*dim+j])
		}
		rows[i] = row
	}
	return rows, nil
}

// WriteFeatures stores rows as raw little-endian float32.
func WriteFeatures(path string, rows [][]float64) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, row := range rows {
		buf := make([]float32, len(row))
		for j, v := range row {
			buf[j] = float32(v)
		}
		if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
			return err
		}
	}
	return w.Flush()
}

// LoadEmbeddingTable imports a pretrained (vocab x channel) word-embedding
// weight, e.g. a BERT word_embeddings tensor, as a frozen token table.
func LoadEmbeddingTable(path, key string) (*transformer.Embedding, error) {
	flat, shape, err := loadTorchTensor(path, key)
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("%s: embedding weight has shape %v, want (vocab, channel)", path, shape)
	}
	vocab, channel := shape[0], shape[1]
	table := mat.NewDense(channel, vocab, nil)
	for v := range vocab {
		for c := range channel {
			table.Set(c, v, float64(flat[v*channel+c]))
		}
	}
	return &transformer.Embedding{Table: table}, nil
}

// loadTorchTensor reads a pickled tensor. For a state dict, key selects the
// entry; an empty key takes the only tensor in it.
func loadTorchTensor(path, key string) ([]float32, []int, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}
	if d, ok := obj.(*types.Dict); ok {
		keys := d.Keys()
		switch {
		case key != "":
			v, ok := d.Get(key)
			if !ok {
				return nil, nil, fmt.Errorf("%s: no entry %q", path, key)
			}
			obj = v
		case len(keys) == 1:
			obj = d.MustGet(keys[0])
		default:
			return nil, nil, fmt.Errorf("%s: state dict with %d entries needs a key", path, len(keys))
		}
	}
	t, ok := obj.(*pytorch.Tensor)
	if !ok {
		return nil, nil, fmt.Errorf("%s: unsupported pickle object %T", path, obj)
	}
	var data []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		data = s.Data
	case *pytorch.HalfStorage:
		data = s.Data
	case *pytorch.BFloat16Storage:
		data = s.Data
	default:
		return nil, nil, fmt.Errorf("%s: unknown data type: %T", path, s)
	}
	n := 1
	for _, d := range t.Size {
		n *= d
	}
	off := t.StorageOffset
	if off+n > len(data) {
		return nil, nil, fmt.Errorf("%s: tensor of %d values overruns storage of %d", path, n, len(data))
	}
	return data[off : off+n], append([]int(nil), t.Size...), nil
}

func readFloat32s(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size()%4 != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of 4", path, info.Size())
	}
	out := make([]float32, info.Size()/4)
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, out); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}
