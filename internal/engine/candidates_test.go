// internal/engine/candidates_test.go
package engine

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielgoes1996/facturabot/api/schemas"
)

const portalHomeHTML = `<html><head><title>Tienda</title><script>var x=1;</script></head><body>
<nav>
  <a href="/promos">Promociones</a>
  <a id="fact-link" href="/facturacion">Facturación</a>
</nav>
<form>
  <input type="text" name="rfc" placeholder="RFC">
  <input type="email" name="correo" placeholder="Correo electrónico">
  <input type="hidden" name="csrf" value="tok">
  <button type="submit">Continuar</button>
</form>
<div style="display:none"><a href="/secret">Oculto</a></div>
<span role="button" onclick="open()">Ver ticket</span>
</body></html>`

func TestExtractCandidates_TypesAndSelectors(t *testing.T) {
	candidates, err := ExtractCandidates(portalHomeHTML, 0)
	require.NoError(t, err)

	byText := map[string]schemas.CandidateElement{}
	for _, c := range candidates {
		byText[c.Text] = c
	}

	fact, ok := byText["Facturación"]
	require.True(t, ok, "facturación link must be extracted")
	assert.Equal(t, schemas.CandidateLink, fact.Type)
	assert.Equal(t, "#fact-link", fact.Selector, "id wins over positional path")
	assert.Equal(t, "/facturacion", fact.Href)

	var rfcInput, submit schemas.CandidateElement
	for _, c := range candidates {
		switch c.Name {
		case "rfc":
			rfcInput = c
		}
		if c.Text == "Continuar" {
			submit = c
		}
	}
	assert.Equal(t, schemas.CandidateInput, rfcInput.Type)
	assert.Equal(t, `input[name="rfc"]`, rfcInput.Selector)
	assert.Equal(t, "RFC", rfcInput.Placeholder)

	assert.Equal(t, schemas.CandidateButton, submit.Type)

	generic, ok := byText["Ver ticket"]
	require.True(t, ok, "onclick spans count as generic candidates")
	assert.Equal(t, schemas.CandidateGeneric, generic.Type)
}

func TestExtractCandidates_FiltersHiddenAndNonInteractive(t *testing.T) {
	candidates, err := ExtractCandidates(portalHomeHTML, 0)
	require.NoError(t, err)

	for _, c := range candidates {
		assert.NotEqual(t, "Oculto", c.Text, "display:none subtree must be skipped")
		assert.NotEqual(t, "csrf", c.Name, "hidden inputs must be skipped")
	}
}

func TestExtractCandidates_HiddenAncestorHidesSubtree(t *testing.T) {
	doc := `<html><body>
<div hidden><section><form>
  <input type="text" name="rfc">
  <button type="submit">Enviar</button>
</form></section></div>
<div style="display: none"><div><a id="deep" href="/x">Enterrado</a></div></div>
<a id="visible" href="/facturacion">Facturar</a>
</body></html>`

	candidates, err := ExtractCandidates(doc, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1, "only the visible link survives")
	assert.Equal(t, "#visible", candidates[0].Selector)
}

func TestExtractCandidates_TextTruncatesOnRunes(t *testing.T) {
	long := strings.Repeat("facturación ", 20)
	doc := `<html><body><a id="long" href="/f">` + long + `</a></body></html>`

	candidates, err := ExtractCandidates(doc, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	text := candidates[0].Text
	assert.True(t, utf8.ValidString(text), "truncation must not split a rune")
	assert.Equal(t, 120, len([]rune(text)))
}

func TestExtractCandidates_PriorityOrdering(t *testing.T) {
	candidates, err := ExtractCandidates(portalHomeHTML, 0)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	// The facturación link carries the domain keywords and must outrank the
	// generic promotions link.
	assert.Equal(t, "Facturación", candidates[0].Text)

	var promoRank, factRank int
	for i, c := range candidates {
		switch c.Text {
		case "Promociones":
			promoRank = i
		case "Facturación":
			factRank = i
		}
	}
	assert.Less(t, factRank, promoRank)
}

func TestExtractCandidates_Limit(t *testing.T) {
	candidates, err := ExtractCandidates(portalHomeHTML, 2)
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
}

func TestExtractCandidates_EmptyDocument(t *testing.T) {
	candidates, err := ExtractCandidates("", 0)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}
