package prefilter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssessForeignDisasterIsInternational(t *testing.T) {
	t.Parallel()

	f := Default()
	got := f.Assess("Earthquake kills 12 in Japan", "A 7.1 magnitude quake struck the coast of Honshu on Monday.")

	assert.True(t, got.IsInternational)
	assert.False(t, got.IsSummaryDigest)
	assert.True(t, got.Rejected())
	assert.Equal(t, "international_country: japan", got.Reason)
}

func TestAssessTable(t *testing.T) {
	t.Parallel()

	f := Default()
	cases := []struct {
		name          string
		title         string
		body          string
		international bool
		digest        bool
	}{
		{name: "local crime", title: "Asesinan a comerciante en San Juan de Lurigancho", body: "La PNP investiga el crimen."},
		{name: "foreign country", title: "Tiroteo deja cinco muertos en México", international: true},
		{name: "foreign city", title: "Balacera en Medellín deja tres heridos", international: true},
		{name: "foreign leader", title: "Maduro anuncia nuevas medidas económicas", international: true},
		{name: "home override in body", title: "Sismo de magnitud 6 sacude Chile", body: "El IGP informó que el movimiento se sintió en Tacna y Arequipa.", international: false},
		{name: "national abroad", title: "Peruano muere en Chile tras accidente", international: false},
		{name: "diacritics folded", title: "TERREMOTO EN JAPÓN deja 12 víctimas", international: true},
		{name: "annual digest", title: "Homicidios aumentaron en 2025 según informe", digest: true},
		{name: "compilation", title: "Los 10 crímenes que conmocionaron al país", digest: true},
		{name: "anniversary", title: "A 20 años de la masacre de Accomarca", digest: true},
		{name: "empty", title: "", body: ""},
		{name: "verb not country", title: "Policía usa gases en desalojo en Ate"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := f.Assess(tc.title, tc.body)
			assert.Equal(t, tc.international, got.IsInternational, "reason %q", got.Reason)
			assert.Equal(t, tc.digest, got.IsSummaryDigest, "reason %q", got.Reason)
			if got.Rejected() {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestAssessOnlyInspectsBodyLead(t *testing.T) {
	t.Parallel()

	f := Default()
	body := strings.Repeat("texto de relleno ", 60) + " Lima"
	got := f.Assess("Inundaciones en Bolivia dejan 4 muertos", body)

	assert.True(t, got.IsInternational, "a home mention past the lead must not override")
}

func TestCheckDigestRequiresCasualtyThreshold(t *testing.T) {
	t.Parallel()

	f := Default()
	title := "Violencia en carreteras"
	body := "Según el informe anual, el balance del año deja cifras altas."

	assert.False(t, f.CheckDigest(title, body, 3, 10))
	assert.True(t, f.CheckDigest(title, body, 16, 0))
	assert.True(t, f.CheckDigest(title, body, 0, 81))
	assert.False(t, f.CheckDigest("Choque en la Panamericana", "Dos buses colisionaron.", 40, 100))
}

func TestReloadKeepsRulesOnError(t *testing.T) {
	t.Parallel()

	var p Patterns
	p.ForeignCountries = []string{"narnia"}
	f, err := New(p)
	require.NoError(t, err)
	assert.True(t, f.Assess("Crisis en Narnia", "").IsInternational)

	var bad Patterns
	bad.DigestPatterns = []string{"(unclosed"}
	require.Error(t, f.Reload(bad))
	assert.True(t, f.Assess("Crisis en Narnia", "").IsInternational)

	var next Patterns
	next.ForeignCountries = []string{"oz"}
	require.NoError(t, f.Reload(next))
	assert.False(t, f.Assess("Crisis en Narnia", "").IsInternational)
	assert.True(t, f.Assess("Tormenta en Oz", "").IsInternational)
}

func TestParsePatternsAppliesThresholdDefaults(t *testing.T) {
	t.Parallel()

	p, err := ParsePatterns([]byte("foreignCities: [gotham]\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultDigestDeaths, p.CasualtyThresholds.Deaths)
	assert.Equal(t, DefaultDigestInjuries, p.CasualtyThresholds.Injuries)
	assert.Equal(t, []string{"gotham"}, p.ForeignCities)
}

func TestPlainText(t *testing.T) {
	t.Parallel()

	html := `<div><p>Primer   párrafo.</p><script>var x = 1;</script><p>Segundo <b>párrafo</b>.</p></div>`
	assert.Equal(t, "Primer párrafo.\nSegundo párrafo.", PlainText(html))
	assert.Equal(t, "Sin etiquetas", PlainText("  Sin \n etiquetas "))
	assert.Equal(t, "x < y", PlainText("x < y"))
}
