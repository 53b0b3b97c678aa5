package IO

import (
	"fmt"
	"io"
	"os"

	"github.com/zzduoYI/diffusion-image-captioning/training"
)

// Summary is the plain-text run log, <model>.txt, appended to by training
// and evaluation.
type Summary struct {
	w io.Writer
	c io.Closer
}

func NewSummary(w io.Writer) *Summary {
	return &Summary{w: w}
}

// OpenSummary appends to the summary file at path.
func OpenSummary(path string) (*Summary, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Summary{w: f, c: f}, nil
}

// ReportEpoch writes the early-stop notice, the first time only, and the
// epoch averages.
func (s *Summary) ReportEpoch(r training.EpochReport) error {
	if r.FirstStop {
		if _, err := io.WriteString(s.w, "early stop! \n"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(s.w, "epoch %d average x_t_loss, x_1_loss, prob_loss, val losses: %v, %v, %v, %v, %v, %v\n",
		r.Epoch, r.Train.Xt, r.Train.X1, r.Train.Prob, r.Validation.Xt, r.Validation.X1, r.Validation.Prob)
	return err
}

func (s *Summary) Printf(format string, args ...any) error {
	_, err := fmt.Fprintf(s.w, format, args...)
	return err
}

func (s *Summary) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}
