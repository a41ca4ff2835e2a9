package flow

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// ActNorm はチャネルごとのアフィン変換 y = scale·(x + loc)
type ActNorm struct {
	Loc   []float64
	Scale []float64
}

func newActNorm(c int) ActNorm {
	a := ActNorm{Loc: make([]float64, c), Scale: make([]float64, c)}
	for i := range a.Scale {
		a.Scale[i] = 1
	}
	return a
}

// reverse は x = y/scale - loc をサンプル1つ（C×H×W）にその場で適用する
func (a *ActNorm) reverse(x []float64, c, plane int) {
	for ch := 0; ch < c; ch++ {
		s, l := a.Scale[ch], a.Loc[ch]
		row := x[ch*plane : (ch+1)*plane]
		for i := range row {
			row[i] = row[i]/s - l
		}
	}
}

// InvConv は可逆な1×1畳み込み y = W·x（ピクセルごと）
type InvConv struct {
	C int
	W []float64 // C×C row-major

	inv *mat.Dense
}

// newInvConv は直交行列で初期化する（ランダム行列のQR分解のQ）
func newInvConv(rng *rand.Rand, c int) InvConv {
	a := mat.NewDense(c, c, nil)
	for i := 0; i < c; i++ {
		for j := 0; j < c; j++ {
			a.Set(i, j, rng.NormFloat64())
		}
	}
	var qr mat.QR
	qr.Factorize(a)
	var q mat.Dense
	qr.QTo(&q)
	return InvConv{C: c, W: append([]float64(nil), q.RawMatrix().Data...)}
}

func (v *InvConv) prepare() error {
	if v.C <= 0 {
		return errors.NewValueError("Glow", fmt.Sprintf("InvConv.C must be positive, got %d", v.C))
	}
	if err := checkLen("InvConv.W", len(v.W), v.C*v.C); err != nil {
		return err
	}
	w := mat.NewDense(v.C, v.C, append([]float64(nil), v.W...))
	var inv mat.Dense
	if err := inv.Inverse(w); err != nil {
		return errors.Wrap(errors.ErrSingularMatrix, "invertible 1x1 convolution weight is singular")
	}
	v.inv = &inv
	return nil
}

// reverse は x = W⁻¹·y をピクセルごとに適用する
func (v *InvConv) reverse(x []float64, plane int) {
	c := v.C
	in := make([]float64, c)
	for p := 0; p < plane; p++ {
		for ch := 0; ch < c; ch++ {
			in[ch] = x[ch*plane+p]
		}
		for i := 0; i < c; i++ {
			var s float64
			for j := 0; j < c; j++ {
				s += v.inv.At(i, j) * in[j]
			}
			x[i*plane+p] = s
		}
	}
}

// ZeroConv は0初期化された1×1畳み込み。出力は (W·h + b)·exp(3·scale)。
type ZeroConv struct {
	In, Out int
	W       []float64 // Out×In
	B       []float64
	Scale   []float64
}

func newZeroConv(in, out int) ZeroConv {
	return ZeroConv{In: in, Out: out, W: make([]float64, in*out), B: make([]float64, out), Scale: make([]float64, out)}
}

// apply は in（In×plane）から Out×plane を計算する
func (z *ZeroConv) apply(in []float64, plane int) []float64 {
	out := make([]float64, z.Out*plane)
	for o := 0; o < z.Out; o++ {
		f := math.Exp(3 * z.Scale[o])
		w := z.W[o*z.In : (o+1)*z.In]
		for p := 0; p < plane; p++ {
			s := z.B[o]
			for i, wi := range w {
				s += wi * in[i*plane+p]
			}
			out[o*plane+p] = s * f
		}
	}
	return out
}

// Coupling はアフィンカップリング層。前半チャネル x_a から
// (log_s, t) = NN(x_a) を計算し、後半を y_b = (x_b + t)·sigmoid(log_s + 2) と変換する。
// NN は 3×3畳み込み → ReLU → 1×1畳み込み → ReLU → ZeroConv。
type Coupling struct {
	Half   int
	Hidden int
	W1     []float64 // Hidden×Half×3×3
	B1     []float64
	W2     []float64 // Hidden×Hidden
	B2     []float64
	Out    ZeroConv // Hidden -> 2·Half
}

func newCoupling(rng *rand.Rand, c, hidden int) Coupling {
	half := c / 2
	cp := Coupling{
		Half:   half,
		Hidden: hidden,
		W1:     make([]float64, hidden*half*9),
		B1:     make([]float64, hidden),
		W2:     make([]float64, hidden*hidden),
		B2:     make([]float64, hidden),
		Out:    newZeroConv(hidden, 2*half),
	}
	for i := range cp.W1 {
		cp.W1[i] = rng.NormFloat64() * 0.05
	}
	for i := range cp.W2 {
		cp.W2[i] = rng.NormFloat64() * 0.05
	}
	return cp
}

// net は x_a（Half×h×w）から log_s と t（各 Half×h×w）を連結したものを返す
func (cp *Coupling) net(xa []float64, h, w int) []float64 {
	plane := h * w
	h1 := make([]float64, cp.Hidden*plane)
	for o := 0; o < cp.Hidden; o++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				s := cp.B1[o]
				for i := 0; i < cp.Half; i++ {
					k := cp.W1[(o*cp.Half+i)*9:]
					for dy := -1; dy <= 1; dy++ {
						yy := y + dy
						if yy < 0 || yy >= h {
							continue
						}
						for dx := -1; dx <= 1; dx++ {
							xx := x + dx
							if xx < 0 || xx >= w {
								continue
							}
							s += k[(dy+1)*3+dx+1] * xa[(i*h+yy)*w+xx]
						}
					}
				}
				h1[o*plane+y*w+x] = math.Max(s, 0)
			}
		}
	}

	h2 := make([]float64, cp.Hidden*plane)
	for o := 0; o < cp.Hidden; o++ {
		wo := cp.W2[o*cp.Hidden : (o+1)*cp.Hidden]
		for p := 0; p < plane; p++ {
			s := cp.B2[o]
			for i, wi := range wo {
				s += wi * h1[i*plane+p]
			}
			h2[o*plane+p] = math.Max(s, 0)
		}
	}
	return cp.Out.apply(h2, plane)
}

// reverse は x_b = y_b/s - t をサンプル1つにその場で適用する
func (cp *Coupling) reverse(x []float64, h, w int) {
	plane := h * w
	n := cp.Half * plane
	ya, yb := x[:n], x[n:2*n]
	st := cp.net(ya, h, w)
	logS, t := st[:n], st[n:]
	for i := range yb {
		s := sigmoid(logS[i] + 2)
		yb[i] = yb[i]/s - t[i]
	}
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

// FlowStep は ActNorm → InvConv → Coupling の1ステップ
type FlowStep struct {
	ActNorm  ActNorm
	InvConv  InvConv
	Coupling Coupling
}

func newFlowStep(rng *rand.Rand, c, hidden int) FlowStep {
	return FlowStep{
		ActNorm:  newActNorm(c),
		InvConv:  newInvConv(rng, c),
		Coupling: newCoupling(rng, c, hidden),
	}
}

// reverse は順方向の逆順（Coupling → InvConv → ActNorm）で元に戻す
func (f *FlowStep) reverse(x []float64, c, h, w int) {
	f.Coupling.reverse(x, h, w)
	f.InvConv.reverse(x, h*w)
	f.ActNorm.reverse(x, c, h*w)
}

// checkLen は読み込んだパラメータ配列の長さを検証する
func checkLen(field string, got, want int) error {
	if got != want {
		return errors.NewValueError("Glow", fmt.Sprintf("%s has %d values, want %d", field, got, want))
	}
	return nil
}

func (a *ActNorm) validate(c int) error {
	if err := checkLen("ActNorm.Loc", len(a.Loc), c); err != nil {
		return err
	}
	return checkLen("ActNorm.Scale", len(a.Scale), c)
}

func (z *ZeroConv) validate(in, out int) error {
	if z.In != in || z.Out != out {
		return errors.NewValueError("Glow", fmt.Sprintf("ZeroConv is %d→%d, want %d→%d", z.In, z.Out, in, out))
	}
	if err := checkLen("ZeroConv.W", len(z.W), in*out); err != nil {
		return err
	}
	if err := checkLen("ZeroConv.B", len(z.B), out); err != nil {
		return err
	}
	return checkLen("ZeroConv.Scale", len(z.Scale), out)
}

func (cp *Coupling) validate(c, hidden int) error {
	half := c / 2
	if cp.Half != half || cp.Hidden != hidden {
		return errors.NewValueError("Glow", fmt.Sprintf("Coupling has half=%d hidden=%d, want %d and %d", cp.Half, cp.Hidden, half, hidden))
	}
	for _, f := range []struct {
		name      string
		got, want int
	}{
		{"Coupling.W1", len(cp.W1), hidden * half * 9},
		{"Coupling.B1", len(cp.B1), hidden},
		{"Coupling.W2", len(cp.W2), hidden * hidden},
		{"Coupling.B2", len(cp.B2), hidden},
	} {
		if err := checkLen(f.name, f.got, f.want); err != nil {
			return err
		}
	}
	return cp.Out.validate(hidden, 2*half)
}

// validate checks every parameter array against c channels and prepares
// the inverse 1×1 kernel.
func (f *FlowStep) validate(c, hidden int) error {
	if err := f.ActNorm.validate(c); err != nil {
		return err
	}
	if f.InvConv.C != c {
		return errors.NewValueError("Glow", fmt.Sprintf("InvConv.C is %d, want %d", f.InvConv.C, c))
	}
	if err := f.InvConv.prepare(); err != nil {
		return err
	}
	return f.Coupling.validate(c, hidden)
}
