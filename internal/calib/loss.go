package calib

import (
	"latentcal/internal/arch"
	"latentcal/internal/autodiff"
)

// ReconstructionLoss is the mean squared error over all elements.
func ReconstructionLoss(x, rec *autodiff.Node) *autodiff.Node {
	return autodiff.Mean(autodiff.Square(autodiff.Sub(x, rec)))
}

// KLDivergence is the mean over batch and code dimensions of the divergence
// of N(mu, exp(log_sigma_sq)) from N(0, I):
// -0.5 * mean(1 + log_sigma_sq - mu^2 - exp(log_sigma_sq)).
func KLDivergence(g arch.Gaussian) *autodiff.Node {
	return klDivergence(g.Mu, g.LogSigmaSq, g.LogSigmaSq)
}

// klDivergence takes the variance term from varianceLSS, which lets the
// legacy coupling feed another domain's log variance into exp().
func klDivergence(mu, lss, varianceLSS *autodiff.Node) *autodiff.Node {
	inner := autodiff.Sub(autodiff.Sub(autodiff.AddScalar(lss, 1), autodiff.Square(mu)), autodiff.Exp(varianceLSS))
	return autodiff.Scale(autodiff.Mean(inner), -0.5)
}

// AdversarialLoss is (mean(D(a)) - mean(D(b)))^2.
func AdversarialLoss(scoreA, scoreB *autodiff.Node) *autodiff.Node {
	return autodiff.Square(autodiff.Sub(autodiff.Mean(scoreA), autodiff.Mean(scoreB)))
}

// WassersteinLoss is mean(D(b)) - mean(D(a)), the critic's estimate of the
// negated Wasserstein distance when minimized.
func WassersteinLoss(scoreA, scoreB *autodiff.Node) *autodiff.Node {
	return autodiff.Sub(autodiff.Mean(scoreB), autodiff.Mean(scoreA))
}

// GeneratorLoss = rec + beta*kld + gamma*adv.
func GeneratorLoss(rec, kld, adv *autodiff.Node, hp Hyperparameters) *autodiff.Node {
	return autodiff.Add(autodiff.Add(rec, autodiff.Scale(kld, hp.Beta)), autodiff.Scale(adv, hp.Gamma))
}

// CriticLoss = wd + delta*gp.
func CriticLoss(wd, gp *autodiff.Node, hp Hyperparameters) *autodiff.Node {
	return autodiff.Add(wd, autodiff.Scale(gp, hp.Delta))
}

// GeneratorTerms holds every generator loss component as a graph node.
type GeneratorTerms struct {
	RecA, RecB *autodiff.Node
	KLDA, KLDB *autodiff.Node
	Adv        *autodiff.Node
	G          *autodiff.Node
}

// CriticTerms holds every critic loss component as a graph node.
type CriticTerms struct {
	WD *autodiff.Node
	GP *autodiff.Node
	D  *autodiff.Node
}

// Pass is one forward pass of both domains through the generator. Domain A
// is decoded by DecoderA, domain B by DecoderB.
type Pass struct {
	InputA, InputB *autodiff.Node
	GaussA, GaussB arch.Gaussian
	CodeA, CodeB   *autodiff.Node
	RecA, RecB     *autodiff.Node
	ScoreA, ScoreB *autodiff.Node
}

// ComposeGenerator builds the generator objective from a pass.
func ComposeGenerator(p Pass, hp Hyperparameters) GeneratorTerms {
	t := GeneratorTerms{
		RecA: ReconstructionLoss(p.InputA, p.RecA),
		RecB: ReconstructionLoss(p.InputB, p.RecB),
		KLDA: KLDivergence(p.GaussA),
		Adv:  AdversarialLoss(p.ScoreA, p.ScoreB),
	}
	if hp.LegacyKLCoupling {
		t.KLDB = klDivergence(p.GaussB.Mu, p.GaussB.LogSigmaSq, p.GaussA.LogSigmaSq)
	} else {
		t.KLDB = KLDivergence(p.GaussB)
	}
	t.G = GeneratorLoss(autodiff.Add(t.RecA, t.RecB), autodiff.Add(t.KLDA, t.KLDB), t.Adv, hp)
	return t
}

// ComposeCritic builds the critic objective from the critic scores and a
// gradient penalty.
func ComposeCritic(scoreA, scoreB, gp *autodiff.Node, hp Hyperparameters) CriticTerms {
	wd := WassersteinLoss(scoreA, scoreB)
	return CriticTerms{WD: wd, GP: gp, D: CriticLoss(wd, gp, hp)}
}
