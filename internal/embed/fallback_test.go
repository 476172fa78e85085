package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (norm(a) * norm(b))
}

func TestFallback_Deterministic(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []string{FallbackHash, FallbackTrigram} {
		t.Run(mode, func(t *testing.T) {
			p, err := NewFallback(mode, DefaultDimensions)
			require.NoError(t, err)

			for _, text := range []string{"Get-ADTInstallDir", "", "Show-ADTInstallationWelcome: closes apps", "ünïcödé"} {
				a, err := p.Embed(ctx, text)
				require.NoError(t, err)
				b, err := p.Embed(ctx, text)
				require.NoError(t, err)

				assert.Equal(t, a, b, "text %q", text)
				assert.Len(t, a, DefaultDimensions)
				assert.InDelta(t, 1.0, norm(a), 1e-5, "text %q", text)
			}
		})
	}
}

func TestFallback_BatchMatchesSingle(t *testing.T) {
	ctx := context.Background()
	p, err := NewFallback(FallbackTrigram, 128)
	require.NoError(t, err)

	texts := []string{"Start-ADTMsiProcess", "Remove-ADTFile"}
	batch, err := p.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	for i, text := range texts {
		single, _ := p.Embed(ctx, text)
		assert.Equal(t, single, batch[i])
	}
	assert.Equal(t, 128, p.Dimensions())
}

func TestFallback_HashDiffersPerText(t *testing.T) {
	h := NewHashEmbedder(64)
	a, _ := h.Embed(context.Background(), "Get-ADTInstallDir")
	b, _ := h.Embed(context.Background(), "Get-ADTInstallDirectory")
	assert.NotEqual(t, a, b)
	assert.Equal(t, "fallback-hash", h.Model())
}

func TestFallback_TrigramLexicalSimilarity(t *testing.T) {
	e := NewTrigramEmbedder(DefaultDimensions)
	ctx := context.Background()

	query, _ := e.Embed(ctx, "install msi")
	near, _ := e.Embed(ctx, "Start-ADTMsiProcess: install an MSI package")
	far, _ := e.Embed(ctx, "Show-ADTBalloonTip: display a balloon notification")

	assert.Greater(t, cosine(query, near), cosine(query, far))
}

func TestNewFallback_UnknownMode(t *testing.T) {
	_, err := NewFallback("bogus", 8)
	require.ErrorIs(t, err, ErrUnknownMode)

	p, err := NewFallback("", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultDimensions, p.Dimensions())
	assert.Equal(t, "fallback-trigram", p.Model())
}
