// Package flowfid evaluates normalizing-flow generative models with the
// Fréchet Inception Distance.
//
// Reference images are streamed from a loader, samples are drawn from a Glow
// by reversing temperature-scaled Gaussian latents, and both sets go through
// the same feature extractor. The distance between the two Gaussians fitted
// to those features is
//
//	d² = ||μ1 - μ2||² + Tr(Σ1) + Tr(Σ2) - 2·Tr(sqrt(Σ1·Σ2))
//
// # Quick Start
//
//	cfg := config.Default()
//	cfg.DataDir = "./celeba"
//
//	loader, _ := dataset.NewImageFolder(cfg.DataDir, cfg.ImgSize, cfg.Batch, cfg.NBits)
//	glow, _ := flow.LoadGlow("glow.gob")
//	ext, _ := features.NewPoolProjector(3, cfg.PoolSize, cfg.FeatureDim, cfg.ActivationValue(), cfg.Seed)
//
//	res, err := fid.Calculate(ctx, cfg, loader, glow, ext)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("FID:", res.FID)
//
// # Packages
//
//   - linalg: matrix square roots of non-symmetric products
//   - metrics: Gaussian statistics, Fréchet distance, KID, statistics cache
//   - flow: Glow reverse pass and latent shapes
//   - features: built-in pooled random-projection extractor
//   - dataset: image folder and in-memory loaders
//   - preprocessing: n-bit quantisation, resize and center crop
//   - fid: end-to-end evaluation
//   - history: SQLite run ledger
//   - report: plots, CSV summaries, sample grids, terminal tables
//   - config: YAML configuration with command line overrides
//   - core/model, core/tensor, core/parallel: contracts, NCHW tensors, CPU fan-out
//   - pkg/errors, pkg/log: structured errors, warnings and logging
//
// The flowfid command wires all of them together.
package flowfid
