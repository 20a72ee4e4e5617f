package classifier

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/textnorm"
)

// DefaultSystemPrompt is rendered with the canonical event types.
const DefaultSystemPrompt = `Eres un analista de seguridad ciudadana del Perú. Clasificas noticias en
incidentes de seguridad estructurados.

Responde ÚNICAMENTE con un objeto JSON, sin texto adicional ni bloques de código.

Tipos de evento permitidos (event_type): {{join .EventTypes ", "}}.
Usa "not_relevant" cuando la noticia no describe un incidente concreto.

Reglas:
- is_international es true si el hecho ocurrió fuera del Perú.
- is_summary_digest es true si la nota es un resumen, balance, ranking o estadística y no un hecho puntual.
- deaths e injuries son enteros no negativos; usa 0 si no se mencionan.
- region es el departamento; province, district y specific_place pueden ser null.
- latitude y longitude sólo si puedes estimarlas con confianza, si no null.
- sentiment es positive, neutral o negative.
- confidence es un número entre 0 y 1.

Esquema:
{{.Schema}}`

// DefaultUserTemplate renders one article.
const DefaultUserTemplate = `Fuente: {{.Source}}
Título: {{.Title}}

Texto:
{{.Body}}`

// OutputSchema is the structured-output contract handed to generators that
// accept one. Prompts carry the shorter Schema sketch instead.
//
//go:embed output-schema.json
var OutputSchema string

// Schema describes the expected answer; it is re-sent in repair prompts.
const Schema = `{
  "is_relevant": boolean,
  "is_international": boolean,
  "is_summary_digest": boolean,
  "event_type": string,
  "event_subtype": string | null,
  "deaths": integer,
  "injuries": integer,
  "region": string | null,
  "province": string | null,
  "district": string | null,
  "specific_place": string | null,
  "latitude": number | null,
  "longitude": number | null,
  "actors": [string],
  "organizations": [string],
  "summary_es": string,
  "summary_en": string,
  "sentiment": "positive" | "neutral" | "negative",
  "confidence": number
}`

const repairInstruction = `Tu respuesta anterior no era un JSON válido:

%s

Responde de nuevo ÚNICAMENTE con un objeto JSON que cumpla exactamente este esquema:
%s`

type systemData struct {
	EventTypes []string
	Schema     string
}

type articleData struct {
	Title  string
	Body   string
	Source string
}

var funcs = template.FuncMap{"join": strings.Join}

func renderSystem(src string) (string, error) {
	if strings.TrimSpace(src) == "" {
		src = DefaultSystemPrompt
	}
	tmpl, err := template.New("system").Funcs(funcs).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse system prompt: %w", err)
	}

	types := make([]string, 0, len(domain.EventTypes()))
	for _, et := range domain.EventTypes() {
		types = append(types, string(et))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, systemData{EventTypes: types, Schema: Schema}); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

func parseUser(src string) (*template.Template, error) {
	if strings.TrimSpace(src) == "" {
		src = DefaultUserTemplate
	}
	tmpl, err := template.New("user").Funcs(funcs).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse user template: %w", err)
	}
	return tmpl, nil
}

func repairPrompt(previous string) string {
	return fmt.Sprintf(repairInstruction, strings.TrimSpace(textnorm.Truncate(previous, 2000)), Schema)
}
