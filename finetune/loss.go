package finetune

import (
	"math"

	"github.com/your-username/nano-peft-go/model"
)

// CrossEntropyLoss computes the mean next-token cross entropy over a
// sequence and its gradient with respect to the logits. logits must be
// [seq, vocab] and targets must have one entry per position; negative
// targets mark padding and contribute neither loss nor gradient.
func CrossEntropyLoss(logits *model.Tensor, targets []int) (float64, *model.Tensor) {
	seqLen, vocab := logits.Shape[0], logits.Shape[1]
	dLogits := model.NewTensor(seqLen, vocab)

	var total float64
	count := 0
	for i := 0; i < seqLen && i < len(targets); i++ {
		target := targets[i]
		if target < 0 {
			continue
		}

		row := logits.Data[i*vocab : (i+1)*vocab]
		maxVal := float64(row[0])
		for _, v := range row[1:] {
			if float64(v) > maxVal {
				maxVal = float64(v)
			}
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v) - maxVal)
		}
		logSumExp := maxVal + math.Log(sumExp)

		total += logSumExp - float64(row[target])
		count++

		// dLogits row is softmax(row) minus the one-hot target.
		dRow := dLogits.Data[i*vocab : (i+1)*vocab]
		for j, v := range row {
			dRow[j] = float32(math.Exp(float64(v) - logSumExp))
		}
		dRow[target] -= 1
	}

	if count == 0 {
		return 0, dLogits
	}

	inv := float32(1 / float64(count))
	for i := range dLogits.Data {
		dLogits.Data[i] *= inv
	}
	return total / float64(count), dLogits
}
