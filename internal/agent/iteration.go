package agent

import (
	"github.com/ShayCichocki/fleet/internal/gateway"
	"github.com/ShayCichocki/fleet/pkg/models"
)

// IterationController bounds the model/tool loop of one run. Each
// iteration is one answered gateway call; retries of a failed call do not
// count.
type IterationController struct {
	currentIter int
	maxIter     int
	lastText    string
}

// NewIterationController creates a controller allowing maxIter gateway
// calls. Non-positive values use models.DefaultMaxIterations.
func NewIterationController(maxIter int) *IterationController {
	if maxIter <= 0 {
		maxIter = models.DefaultMaxIterations
	}
	return &IterationController{maxIter: maxIter}
}

// Observe records one answered call.
func (ic *IterationController) Observe(resp *gateway.Response) {
	ic.currentIter++
	if resp.Text != "" {
		ic.lastText = resp.Text
	}
}

// ShouldContinue returns true if another gateway call is allowed: the last
// response asked for tools and the cap has not been reached.
func (ic *IterationController) ShouldContinue(resp *gateway.Response) bool {
	if resp != nil && resp.Final() {
		return false
	}
	return ic.currentIter < ic.maxIter
}

// GetIteration returns the number of answered calls so far.
func (ic *IterationController) GetIteration() int {
	return ic.currentIter
}

// IsAtMax returns true if the cap has been reached.
func (ic *IterationController) IsAtMax() bool {
	return ic.currentIter >= ic.maxIter
}

// GetMaxIterations returns the cap.
func (ic *IterationController) GetMaxIterations() int {
	return ic.maxIter
}

// LastText returns the most recent non-empty model text.
func (ic *IterationController) LastText() string {
	return ic.lastText
}
