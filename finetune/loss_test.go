package finetune

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/your-username/nano-peft-go/model"
)

func TestCrossEntropyUniformLogits(t *testing.T) {
	logits := model.NewTensor(1, 3)
	loss, dLogits := CrossEntropyLoss(logits, []int{0})

	require.InDelta(t, math.Log(3), loss, 1e-6)
	require.InDelta(t, 1.0/3-1, float64(dLogits.Data[0]), 1e-6)
	require.InDelta(t, 1.0/3, float64(dLogits.Data[1]), 1e-6)
	require.InDelta(t, 1.0/3, float64(dLogits.Data[2]), 1e-6)
}

func TestCrossEntropyConfidentPrediction(t *testing.T) {
	logits := model.NewTensor(1, 3)
	logits.Data[0] = 12

	loss, dLogits := CrossEntropyLoss(logits, []int{0})
	require.Less(t, loss, 1e-4)
	require.InDelta(t, 0, float64(dLogits.Data[0]), 1e-4)
}

func TestCrossEntropyMeanOverPositions(t *testing.T) {
	logits := model.NewTensor(2, 4)
	for i := range logits.Data {
		logits.Data[i] = float32(i) * 0.25
	}

	perPosition := make([]float64, 2)
	for i := 0; i < 2; i++ {
		single := model.NewTensor(1, 4)
		copy(single.Data, logits.Data[i*4:(i+1)*4])
		perPosition[i], _ = CrossEntropyLoss(single, []int{i + 1})
	}

	loss, _ := CrossEntropyLoss(logits, []int{1, 2})
	require.InDelta(t, (perPosition[0]+perPosition[1])/2, loss, 1e-6)
}

func TestCrossEntropyIgnoresPadding(t *testing.T) {
	logits := model.NewTensor(3, 3)
	for i := range logits.Data {
		logits.Data[i] = float32(i%3) * 0.5
	}

	loss, dLogits := CrossEntropyLoss(logits, []int{1, -1, 2})

	trimmed := model.NewTensor(2, 3)
	copy(trimmed.Data[:3], logits.Data[:3])
	copy(trimmed.Data[3:], logits.Data[6:])
	want, _ := CrossEntropyLoss(trimmed, []int{1, 2})
	require.InDelta(t, want, loss, 1e-6)

	// The padded position contributes no gradient.
	for j := 0; j < 3; j++ {
		require.Zero(t, dLogits.Data[3+j])
	}
}

func TestCrossEntropyAllPadding(t *testing.T) {
	logits := model.NewTensor(2, 3)
	loss, dLogits := CrossEntropyLoss(logits, []int{-1, -1})

	require.Zero(t, loss)
	for _, v := range dLogits.Data {
		require.Zero(t, v)
	}
}

func TestCrossEntropyGradientRowsSumToZero(t *testing.T) {
	logits := model.NewTensor(2, 5)
	for i := range logits.Data {
		logits.Data[i] = float32(math.Sin(float64(i)))
	}

	_, dLogits := CrossEntropyLoss(logits, []int{3, 0})
	for i := 0; i < 2; i++ {
		var sum float64
		for j := 0; j < 5; j++ {
			sum += float64(dLogits.Data[i*5+j])
		}
		require.InDelta(t, 0, sum, 1e-6)
	}
}
