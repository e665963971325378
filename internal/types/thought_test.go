package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHashStable(t *testing.T) {
	h1 := ContentHash("consider X")
	h2 := ContentHash("consider X")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestVerifyIntegrity(t *testing.T) {
	node := &ThoughtNode{Content: "therefore Y"}
	node.ContentHash = ContentHash(node.Content)
	assert.True(t, node.VerifyIntegrity())

	node.Content = "tampered out of band"
	assert.False(t, node.VerifyIntegrity())
}

func TestDefaultRetrievalWeightsSumsToOne(t *testing.T) {
	w := DefaultRetrievalWeights()
	sum := w.Alpha + w.Beta + w.Gamma + w.Delta + w.Eps
	assert.InDelta(t, 1.0, sum, 1e-9)
}
