package flow

import (
	"bytes"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/flowfid/core/model"
	"github.com/YuminosukeSato/flowfid/core/tensor"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

func newTestGlow(t *testing.T, nFlow, nBlock int) *Glow {
	t.Helper()
	g, err := NewGlow(3, nFlow, nBlock, 4, 42)
	require.NoError(t, err)
	return g
}

func TestGlowReverseShape(t *testing.T) {
	g := newTestGlow(t, 2, 3)
	shapes, err := g.ZShapes(16)
	require.NoError(t, err)

	z := SampleLatents(rand.New(rand.NewPCG(7, 7)), 3, shapes, 0.7)
	img, err := g.Reverse(z)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 16, 16}, img.Shape())
	assert.Zero(t, img.CountNonFinite())

	// 同じ入力なら同じ出力
	again, err := g.Reverse(z)
	require.NoError(t, err)
	assert.Equal(t, img.Data(), again.Data())
}

func TestGlowReverseSingleStep(t *testing.T) {
	// 1ブロック1ステップで 1×1畳み込みを単位行列にすると、逆変換は
	// 後半チャネルを sigmoid(2) で割って unsqueeze するだけになる
	g := newTestGlow(t, 1, 1)
	inv := &g.params.Blocks[0].Flows[0].InvConv
	for i := range inv.W {
		inv.W[i] = 0
	}
	for i := 0; i < inv.C; i++ {
		inv.W[i*inv.C+i] = 1
	}
	require.NoError(t, inv.prepare())

	z := tensor.New(1, 12, 2, 2)
	for i := range z.Data() {
		z.Data()[i] = float64(i + 1)
	}
	img, err := g.Reverse([]*tensor.Tensor{z})
	require.NoError(t, err)

	want := tensor.New(z.Shape()...)
	copy(want.Data(), z.Data())
	s := sigmoid(2)
	for i := 6 * 4; i < 12*4; i++ {
		want.Data()[i] /= s
	}
	want, err = tensor.Unsqueeze2x2(want)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Data(), img.Data(), 1e-12)
}

func TestGlowReverseValidation(t *testing.T) {
	g := newTestGlow(t, 1, 2)

	_, err := g.Reverse([]*tensor.Tensor{tensor.New(1, 24, 2, 2)})
	var dimErr *errors.DimensionError
	assert.True(t, errors.As(err, &dimErr))

	// ブロック0の潜在変数のチャネル数が違う
	_, err = g.Reverse([]*tensor.Tensor{tensor.New(1, 5, 4, 4), tensor.New(1, 24, 2, 2)})
	var shapeErr *errors.InputShapeError
	assert.True(t, errors.As(err, &shapeErr))

	_, err = NewGlow(3, 0, 2, 4, 1)
	assert.Error(t, err)
}

func TestGlowSaveLoad(t *testing.T) {
	g := newTestGlow(t, 2, 2)
	// 学習済みに見えるよう事前分布とカップリングを0以外にする
	for i := range g.params.Blocks {
		b := &g.params.Blocks[i]
		for j := range b.Prior.B {
			b.Prior.B[j] = 0.01 * float64(j%5)
		}
		for j := range b.Flows {
			out := &b.Flows[j].Coupling.Out
			for k := range out.W {
				out.W[k] = 0.02 * float64(k%7-3)
			}
			b.Flows[j].ActNorm.Scale[0] = 1.5
		}
	}

	shapes, err := g.ZShapes(8)
	require.NoError(t, err)
	z := SampleLatents(rand.New(rand.NewPCG(1, 1)), 2, shapes, 0.5)
	want, err := g.Reverse(z)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "glow.gob")
	require.NoError(t, g.Save(path))
	loaded, err := LoadGlow(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.NFlow())
	assert.Equal(t, 2, loaded.NBlock())
	assert.Equal(t, "Glow", loaded.Name())

	got, err := loaded.Reverse(z)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Data(), got.Data(), 1e-12)

	var buf bytes.Buffer
	require.NoError(t, g.Write(&buf))
	_, err = ReadGlow(&buf)
	require.NoError(t, err)

	_, err = ReadGlow(bytes.NewReader([]byte("garbage")))
	assert.Error(t, err)
}

func TestInvConvOrthogonal(t *testing.T) {
	v := newInvConv(rand.New(rand.NewPCG(2, 3)), 4)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var dot float64
			for k := 0; k < 4; k++ {
				dot += v.W[i*4+k] * v.W[j*4+k]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, dot, 1e-12)
		}
	}
}

func TestReadGlowCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(p *Params)
	}{
		{"truncated invconv weight", func(p *Params) {
			inv := &p.Blocks[0].Flows[0].InvConv
			inv.W = inv.W[:3]
		}},
		{"truncated actnorm scale", func(p *Params) {
			an := &p.Blocks[1].Flows[0].ActNorm
			an.Scale = an.Scale[:2]
		}},
		{"coupling hidden width", func(p *Params) {
			p.Blocks[0].Flows[1].Coupling.B2 = append(p.Blocks[0].Flows[1].Coupling.B2, 0)
		}},
		{"prior shape", func(p *Params) {
			p.Blocks[1].Prior.W = nil
		}},
		{"block channels", func(p *Params) {
			p.Blocks[1].C = 8
		}},
		{"missing flow step", func(p *Params) {
			p.Blocks[0].Flows = p.Blocks[0].Flows[:1]
		}},
		{"hidden mismatch", func(p *Params) {
			p.Hidden = 5
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGlow(t, 2, 2)
			p := g.Params()
			tt.corrupt(&p)

			var buf bytes.Buffer
			require.NoError(t, model.SaveModelToWriter(p, &buf))
			var loaded *Glow
			var err error
			require.NotPanics(t, func() { loaded, err = ReadGlow(&buf) })
			assert.Nil(t, loaded)
			var valErr *errors.ValueError
			assert.True(t, errors.As(err, &valErr), "got %v", err)
		})
	}
}

func TestGlowReversePanicInWorker(t *testing.T) {
	g := newTestGlow(t, 1, 2)
	// 読み込み後に壊れた状態を作り、並列ワーカー内のpanicがエラーになることを確認する
	an := &g.params.Blocks[0].Flows[0].ActNorm
	an.Scale = an.Scale[:1]

	shapes, err := g.ZShapes(8)
	require.NoError(t, err)
	z := SampleLatents(rand.New(rand.NewPCG(4, 4)), 8, shapes, 0.7)

	var out *tensor.Tensor
	require.NotPanics(t, func() { out, err = g.Reverse(z) })
	assert.Nil(t, out)
	var pe *errors.PanicError
	assert.True(t, errors.As(err, &pe))
}
