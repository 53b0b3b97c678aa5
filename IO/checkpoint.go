package IO

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"time"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"

	"github.com/zzduoYI/diffusion-image-captioning/diffusion"
	"github.com/zzduoYI/diffusion-image-captioning/optimizations"
	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/transformer"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
)

const checkpointVersion = 2

// PackedParam is a parameter and its Adam moments stored at a precision.
// PackedParam holds Data at the checkpoint precision. The Adam moments are
// always f32: second moments sit far below the f16 subnormal range.
type PackedParam struct {
	Name       string
	Rows, Cols int
	Data, M, V []byte
}

// Checkpoint is everything needed to evaluate a model or continue training it.
type Checkpoint struct {
	Version      int
	RunID        string
	Config       params.TrainingConfig
	Reason       string // "early-stop" or "final"
	Epoch        int    // last finished epoch
	EarlyStopped bool
	AdamSteps    int
	Schedule     []float64
	Rounding     diffusion.RoundingState
	Precision    params.Precision
	Embedding    PackedParam
	Params       []PackedParam
	SavedAt      time.Time
}

// NewCheckpoint snapshots the model, its frozen token table and the run state.
func NewCheckpoint(cfg params.TrainingConfig, runID string, model *diffusion.Denoiser, schedule *diffusion.NoiseSchedule, rounding diffusion.RoundingState) (*Checkpoint, error) {
	ck := &Checkpoint{
		Version:   checkpointVersion,
		RunID:     runID,
		Config:    cfg,
		Schedule:  schedule.Values(),
		Rounding:  rounding,
		Precision: cfg.Precision,
		SavedAt:   time.Now().UTC(),
	}
	table := model.Head().Table
	r, c := table.Dims()
	emb, err := packParam(transformer.ParamState{Name: "embedding.table", Rows: r, Cols: c, Data: mat.DenseCopyOf(table).RawMatrix().Data}, ck.Precision)
	if err != nil {
		return nil, err
	}
	ck.Embedding = emb
	for _, s := range transformer.ExportParams(model.Params()) {
		p, err := packParam(s, ck.Precision)
		if err != nil {
			return nil, err
		}
		ck.Params = append(ck.Params, p)
	}
	return ck, nil
}

// Restore loads the stored weights and moments into ps.
func (ck *Checkpoint) Restore(ps []*optimizations.Param) error {
	states := make([]transformer.ParamState, len(ck.Params))
	for i, p := range ck.Params {
		s, err := unpackParam(p, ck.Precision)
		if err != nil {
			return err
		}
		states[i] = s
	}
	return transformer.ImportParams(ps, states)
}

// Head rebuilds the frozen token table.
func (ck *Checkpoint) Head() (*transformer.Embedding, error) {
	s, err := unpackParam(ck.Embedding, ck.Precision)
	if err != nil {
		return nil, err
	}
	return &transformer.Embedding{Table: mat.NewDense(s.Rows, s.Cols, s.Data)}, nil
}

// NoiseSchedule restores the schedule the model was trained with.
func (ck *Checkpoint) NoiseSchedule() (*diffusion.NoiseSchedule, error) {
	return diffusion.ScheduleFromValues(ck.Schedule)
}

// Model rebuilds the denoiser with the stored weights.
func (ck *Checkpoint) Model() (*diffusion.Denoiser, error) {
	head, err := ck.Head()
	if err != nil {
		return nil, err
	}
	d, err := diffusion.NewEncoderDenoiser(ck.Config, head, utils.NewRand(ck.Config.Seed))
	if err != nil {
		return nil, err
	}
	if err := ck.Restore(d.Params()); err != nil {
		return nil, err
	}
	return d, nil
}

func SaveCheckpoint(path string, ck *Checkpoint) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := gob.NewEncoder(w).Encode(ck); err != nil {
		f.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ck Checkpoint
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&ck); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if ck.Version != checkpointVersion {
		return nil, fmt.Errorf("checkpoint %s has version %d, want %d", path, ck.Version, checkpointVersion)
	}
	return &ck, nil
}

func packParam(s transformer.ParamState, prec params.Precision) (PackedParam, error) {
	p := PackedParam{Name: s.Name, Rows: s.Rows, Cols: s.Cols}
	var err error
	if p.Data, err = packFloats(s.Data, prec); err != nil {
		return PackedParam{}, err
	}
	if p.M, err = packFloats(s.M, params.PrecisionF32); err != nil {
		return PackedParam{}, err
	}
	if p.V, err = packFloats(s.V, params.PrecisionF32); err != nil {
		return PackedParam{}, err
	}
	return p, nil
}

func unpackParam(p PackedParam, prec params.Precision) (transformer.ParamState, error) {
	s := transformer.ParamState{Name: p.Name, Rows: p.Rows, Cols: p.Cols}
	var err error
	if s.Data, err = unpackFloats(p.Data, prec); err != nil {
		return s, fmt.Errorf("parameter %q: %w", p.Name, err)
	}
	if len(s.Data) != p.Rows*p.Cols {
		return s, fmt.Errorf("parameter %q: %d values for %dx%d", p.Name, len(s.Data), p.Rows, p.Cols)
	}
	if s.M, err = unpackFloats(p.M, params.PrecisionF32); err != nil {
		return s, fmt.Errorf("parameter %q: %w", p.Name, err)
	}
	if s.V, err = unpackFloats(p.V, params.PrecisionF32); err != nil {
		return s, fmt.Errorf("parameter %q: %w", p.Name, err)
	}
	return s, nil
}

func packFloats(vs []float64, prec params.Precision) ([]byte, error) {
	switch prec {
	case params.PrecisionF32, "":
		out := make([]byte, 4*len(vs))
		for i, v := range vs {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(float32(v)))
		}
		return out, nil
	case params.PrecisionF16:
		out := make([]byte, 2*len(vs))
		for i, v := range vs {
			binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(float32(v)).Bits())
		}
		return out, nil
	case params.PrecisionBF16:
		f32s := make([]float32, len(vs))
		for i, v := range vs {
			f32s[i] = float32(v)
		}
		return bfloat16.EncodeFloat32(f32s), nil
	default:
		return nil, fmt.Errorf("unknown precision %q", prec)
	}
}

func unpackFloats(b []byte, prec params.Precision) ([]float64, error) {
	var f32s []float32
	switch prec {
	case params.PrecisionF32, "":
		if len(b)%4 != 0 {
			return nil, fmt.Errorf("%d bytes is not a whole number of f32 values", len(b))
		}
		f32s = make([]float32, len(b)/4)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
	case params.PrecisionF16:
		if len(b)%2 != 0 {
			return nil, fmt.Errorf("%d bytes is not a whole number of f16 values", len(b))
		}
		f32s = make([]float32, len(b)/2)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
	case params.PrecisionBF16:
		if len(b)%2 != 0 {
			return nil, fmt.Errorf("%d bytes is not a whole number of bf16 values", len(b))
		}
		f32s = bfloat16.DecodeFloat32(b)
	default:
		return nil, fmt.Errorf("unknown precision %q", prec)
	}
	out := make([]float64, len(f32s))
	for i, v := range f32s {
		out[i] = float64(v)
	}
	return out, nil
}
