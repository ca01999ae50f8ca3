package anomaly

import (
	"fmt"
	"math"

	"github.com/defterlab/kestrel/internal/domain"
)

// benfordExpected holds P(leading digit = d) = log10(1 + 1/d) for d in 1..9.
var benfordExpected = [9]float64{
	0.30103, 0.17609, 0.12494, 0.09691, 0.07918,
	0.06695, 0.05799, 0.05115, 0.04576,
}

// benford computes the leading-digit frequency over the subject's
// amount set (history plus the current document) and flags chi-square
// deviation beyond the configured cutoff. Below the minimum sample
// size the check is skipped, not failed.
func (d *Detector) benford(doc *domain.Document, history []*domain.Document) (domain.TriggerResult, error) {
	amounts := make([]float64, 0, len(history)+1)
	for _, h := range history {
		amounts = append(amounts, h.Amount)
	}
	amounts = append(amounts, doc.Amount)
	return d.benfordAmounts(amounts)
}

func (d *Detector) benfordAmounts(amounts []float64) (domain.TriggerResult, error) {
	var counts [9]int64
	n := 0
	for _, amount := range amounts {
		digit := leadingDigit(amount)
		if digit == 0 {
			continue
		}
		counts[digit-1]++
		n++
	}

	if n < d.cfg.BenfordMinSamples {
		return domain.TriggerResult{}, &domain.InsufficientHistoryError{
			Check: "benford digit distribution", Have: n, Need: d.cfg.BenfordMinSamples,
		}
	}

	var chiSquare float64
	for i := 0; i < 9; i++ {
		expected := benfordExpected[i] * float64(n)
		diff := float64(counts[i]) - expected
		chiSquare += diff * diff / expected
	}

	if chiSquare > d.cfg.BenfordChiSquare {
		return domain.TriggerResult{
			Triggered: true,
			Explanation: fmt.Sprintf("leading-digit chi-square %.2f exceeds cutoff %.2f over %d amounts",
				chiSquare, d.cfg.BenfordChiSquare, n),
		}, nil
	}
	return domain.TriggerResult{}, nil
}

// leadingDigit returns the first significant digit of an amount, or 0
// when the amount has none (zero, NaN, infinite).
func leadingDigit(amount float64) int {
	amount = math.Abs(amount)
	if amount == 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0
	}
	for amount >= 10 {
		amount /= 10
	}
	for amount < 1 {
		amount *= 10
	}
	return int(amount)
}
