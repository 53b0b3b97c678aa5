package IO

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/zzduoYI/diffusion-image-captioning/training"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
)

const captionsCSV = `image_name| comment_number| comment
1000.jpg| 0| A dog runs .
1000.jpg| 1| A dog sits .
broken row
2000.jpg| 0| The cat runs .
`

func writeCaptions(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, os.WriteFile(path, []byte(captionsCSV), 0o644))
	return path
}

func testDataset(t *testing.T, seqLen int) *Dataset {
	t.Helper()
	caps, err := LoadCaptions(writeCaptions(t), '|')
	require.NoError(t, err)
	texts := make([]string, len(caps))
	for i, c := range caps {
		texts[i] = c.Text
	}
	image := [][]float64{{1, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	text := [][]float64{{0.5, 0.5, 0}, {0, 0.5, 0.5}, {0.5, 0, 0.5}}
	ds, err := NewDataset(caps, image, text, BuildDictTokenizer(texts, 1, seqLen))
	require.NoError(t, err)
	return ds
}

func TestLoadCaptions(t *testing.T) {
	caps, err := LoadCaptions(writeCaptions(t), '|')
	require.NoError(t, err)
	want := []Caption{
		{Image: "1000.jpg", Number: 0, Text: "A dog runs ."},
		{Image: "1000.jpg", Number: 1, Text: "A dog sits ."},
		{Image: "2000.jpg", Number: 0, Text: "The cat runs ."},
	}
	if diff := cmp.Diff(want, caps); diff != "" {
		t.Errorf("captions mismatch (-want +got):\n%s", diff)
	}

	path := filepath.Join(t.TempDir(), "captions.txt")
	require.NoError(t, os.WriteFile(path, []byte("image,caption\na.jpg,\"A dog, running\"\n"), 0o644))
	caps, err = LoadCaptions(path, ',')
	require.NoError(t, err)
	require.Equal(t, []Caption{{Image: "a.jpg", Text: "A dog, running"}}, caps)

	require.NoError(t, os.WriteFile(path, []byte("file,text\na.jpg,x\n"), 0o644))
	_, err = LoadCaptions(path, ',')
	require.ErrorContains(t, err, "no image/caption columns")
}

func TestDatasetReferences(t *testing.T) {
	ds := testDataset(t, 8)
	require.Equal(t, 3, ds.Len())
	require.Equal(t, []string{"START a dog runs . END", "START a dog sits . END"}, ds.References("1000.jpg"))
	require.Empty(t, ds.References("missing.jpg"))
	require.Equal(t, []int{StartID, 4, 5, 6, 7, EndID, PadID, PadID}, ds.Examples[0].TokenIDs)

	_, err := NewDataset([]Caption{{Image: "a", Text: "x"}}, nil, nil, ds.Tokenizer)
	require.Error(t, err)
}

func TestSplitRoundTrip(t *testing.T) {
	s := NewSplit(10, 0.8, 7, utils.NewRand(7))
	require.Len(t, s.Train, 8)
	require.Len(t, s.Val, 2)
	all := slices.Concat(s.Train, s.Val)
	slices.Sort(all)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, all)

	path := filepath.Join(t.TempDir(), "run.valset")
	require.NoError(t, SaveSplit(path, s))
	back, err := LoadSplit(path, 10)
	require.NoError(t, err)
	require.Equal(t, s.Seed, back.Seed)
	require.Equal(t, s.Val, back.Val)
	train := slices.Clone(s.Train)
	slices.Sort(train)
	require.Equal(t, train, back.Train)

	_, err = LoadSplit(path, 5)
	if slices.Max(s.Val) >= 5 {
		require.Error(t, err)
	}
	_, err = LoadSplit(path, 0)
	require.Error(t, err)
}

func TestLoaderDropsIncompleteBatch(t *testing.T) {
	ds := testDataset(t, 8)
	l := NewLoader(ds, []int{2, 0, 1}, 2, false, utils.NewRand(1))
	require.Equal(t, 1, l.Len())

	groups := l.Groups()
	require.Len(t, groups, 1)
	require.Equal(t, 2, groups[0][0].Index)
	require.Equal(t, 0, groups[0][1].Index)

	batches := l.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, 2, batches[0].Len())
	require.Equal(t, ds.Examples[2].TokenIDs, batches[0].TokenIDs[0])
	require.Equal(t, ds.Examples[0].ImageVec, batches[0].Image[1])

	var src training.BatchSource = NewLoader(ds, []int{0, 1, 2}, 1, true, utils.NewRand(2))
	for _, b := range src.Batches() {
		require.Equal(t, 1, b.Len())
	}
	require.Len(t, src.Batches(), 3)

	require.Zero(t, NewLoader(ds, []int{0}, 2, false, nil).Len())
}

func TestFeaturesRoundTrip(t *testing.T) {
	rows := [][]float64{{0.5, -1.25, 3}, {0, 2, -0.125}}
	path := filepath.Join(t.TempDir(), "feats", "image.bin")
	require.NoError(t, WriteFeatures(path, rows))

	back, err := LoadFeatures(path, 3)
	require.NoError(t, err)
	require.Equal(t, rows, back)

	_, err = LoadFeatures(path, 4)
	require.Error(t, err)
	_, err = LoadFeatures(path, 0)
	require.Error(t, err)
}

func TestExportTokenShards(t *testing.T) {
	examples := []Example{
		{TokenIDs: []int{0, 4, 5, 1, 3}, Mask: []bool{true, true, true, true, false}},
		{TokenIDs: []int{0, 2, 1, 3, 3}, Mask: []bool{true, true, true, false, false}},
		{TokenIDs: []int{3, 3}, Mask: []bool{false, false}},
	}
	prefix := filepath.Join(t.TempDir(), "out", "tokens")
	n, err := ExportTokenIDsBinary(examples, prefix, 16)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	first, err := ReadTokenShard(prefix, 0)
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 4, 5, 1}}, first)
	second, err := ReadTokenShard(prefix, 1)
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 2, 1}}, second)

	prefix = filepath.Join(t.TempDir(), "single")
	n, err = ExportTokenIDsBinary(examples[:1], prefix, 16)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoFileExists(t, ShardPath(prefix, 1, "bin"))

	_, err = ExportTokenIDsBinary(examples, prefix, 0)
	require.Error(t, err)
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	s := NewSummary(&buf)
	rep := training.EpochReport{Epoch: 0, EarlyStop: true, FirstStop: true}
	rep.Train.Xt, rep.Train.X1, rep.Train.Prob = 1, 2, 3
	rep.Validation.Xt, rep.Validation.X1, rep.Validation.Prob = 4, 5, 6.5
	require.NoError(t, s.ReportEpoch(rep))
	rep.Epoch, rep.FirstStop = 1, false
	require.NoError(t, s.ReportEpoch(rep))
	require.NoError(t, s.Close())

	require.Equal(t, "early stop! \n"+
		"epoch 0 average x_t_loss, x_1_loss, prob_loss, val losses: 1, 2, 3, 4, 5, 6.5\n"+
		"epoch 1 average x_t_loss, x_1_loss, prob_loss, val losses: 1, 2, 3, 4, 5, 6.5\n", buf.String())
}

func TestOpenSummaryAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", "run.txt")
	for _, line := range []string{"first", "second"} {
		s, err := OpenSummary(path)
		require.NoError(t, err)
		require.NoError(t, s.Printf("%s\n", line))
		require.NoError(t, s.Close())
	}
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "first\nsecond\n", string(b))
}

func TestFindFile(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "flickr30k", "results.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(nested), 0o755))
	require.NoError(t, os.WriteFile(nested, nil, 0o644))

	got, err := FindFile(root, "results", filepath.Join(root, "captions.csv"))
	require.NoError(t, err)
	require.Equal(t, nested, got)

	got, err = FindFile(root, "nothing", nested)
	require.NoError(t, err)
	require.Equal(t, nested, got)

	_, err = FindFile(root, "nothing")
	require.Error(t, err)

	require.Equal(t, filepath.Join("models", "run.ckpt"), ArtifactPath("models", "run", ".ckpt"))
}
