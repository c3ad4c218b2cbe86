package editor

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// adamW is Adam with decoupled weight decay over named dense parameters.
type adamW struct {
	lr, beta1, beta2, eps, decay float64

	t    int
	m, v map[string]*mat.Dense
}

func newAdamW(lr, decay float64) *adamW {
	return &adamW{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		decay: decay,
		m:     make(map[string]*mat.Dense),
		v:     make(map[string]*mat.Dense),
	}
}

func (o *adamW) step(params, grads map[string]*mat.Dense) {
	o.t++
	bc1 := 1 - math.Pow(o.beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.beta2, float64(o.t))
	for name, p := range params {
		g, ok := grads[name]
		if !ok {
			continue
		}
		if _, ok := o.m[name]; !ok {
			r, c := p.Dims()
			o.m[name] = mat.NewDense(r, c, nil)
			o.v[name] = mat.NewDense(r, c, nil)
		}
		pd := p.RawMatrix().Data
		gd := g.RawMatrix().Data
		md := o.m[name].RawMatrix().Data
		vd := o.v[name].RawMatrix().Data
		for i := range pd {
			pd[i] -= o.lr * o.decay * pd[i]
			md[i] = o.beta1*md[i] + (1-o.beta1)*gd[i]
			vd[i] = o.beta2*vd[i] + (1-o.beta2)*gd[i]*gd[i]
			pd[i] -= o.lr * (md[i] / bc1) / (math.Sqrt(vd[i]/bc2) + o.eps)
		}
	}
}
