package diffusion

import (
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Forward runs a batch without gradients and returns the per-example logits
// and refined sequences. Work is striped over forked denoisers when more than
// one worker is configured.
func (d *Denoiser) Forward(batch []Example) (logits, refined []*mat.Dense, err error) {
	logits = make([]*mat.Dense, len(batch))
	refined = make([]*mat.Dense, len(batch))
	workers := min(d.workers, len(batch))
	if workers <= 1 {
		for i, ex := range batch {
			p, err := d.Denoise(ex)
			if err != nil {
				return nil, nil, err
			}
			logits[i], refined[i] = p.Logits, p.Refined
		}
		return logits, refined, nil
	}

	for len(d.forks) < workers {
		d.forks = append(d.forks, d.Fork())
	}
	var g errgroup.Group
	for w := range workers {
		fork := d.forks[w]
		g.Go(func() error {
			for i := w; i < len(batch); i += workers {
				p, err := fork.Denoise(batch[i])
				if err != nil {
					return err
				}
				logits[i], refined[i] = p.Logits, p.Refined
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return logits, refined, nil
}
