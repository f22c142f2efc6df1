package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"google.golang.org/genai"

	"github.com/JonMunkholm/equipimport/internal/core"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

const (
	maxPromptRows = 5
	maxPromptCell = 80
)

// contentGenerator is the part of *genai.Models the advisor calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini asks a Gemini model to map headers onto the catalog.
type Gemini struct {
	models contentGenerator
	model  string
}

// NewGemini creates a Gemini advisor using the Gemini API backend.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Gemini{models: client.Models, model: model}, nil
}

// Name returns the advisor name for logs.
func (g *Gemini) Name() string {
	return "gemini:" + g.model
}

// Suggest sends headers, a few sample rows and the catalog to the model and
// parses its JSON answer. The answer is not sanitized here.
func (g *Gemini) Suggest(ctx context.Context, req core.AdvisorRequest) (core.Suggestion, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return core.Suggestion{}, err
	}

	resp, err := g.models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
			Temperature:       genai.Ptr[float32](0),
			ResponseMIMEType:  "application/json",
			ResponseSchema:    answerSchema,
		},
	)
	if err != nil {
		return core.Suggestion{}, fmt.Errorf("gemini generate: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return core.Suggestion{}, errors.New("gemini returned an empty answer")
	}
	return parseAnswer(text)
}

const systemInstruction = `You map spreadsheet columns onto the fields of an equipment registry.
For every column header, answer with the catalog field name it holds, "__new__" if it holds
information no catalog field covers, or "" if the column is empty or meaningless.
Never map two headers to the same field. Only use field names from the catalog.
Rate your overall confidence as high, medium or low and explain anything uncertain in notes.`

// answerSchema constrains the model to a list of header/field pairs.
// Headers are arbitrary text, so they cannot be object keys in a schema.
var answerSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"mappings": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"header": {Type: genai.TypeString},
					"field":  {Type: genai.TypeString},
				},
				Required: []string{"header", "field"},
			},
		},
		"confidence": {Type: genai.TypeString, Enum: []string{"high", "medium", "low"}},
		"notes":      {Type: genai.TypeString},
	},
	Required: []string{"mappings", "confidence"},
}

type promptField struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Values   []string `json:"values,omitempty"`
}

type promptInput struct {
	Catalog []promptField `json:"catalog"`
	Headers []string      `json:"headers"`
	Rows    [][]string    `json:"sampleRows"`
}

// buildPrompt renders the request as JSON. Sample rows are positional so
// the model sees them in header order; long cells are truncated.
func buildPrompt(req core.AdvisorRequest) (string, error) {
	in := promptInput{Headers: req.Headers, Rows: [][]string{}}
	for _, f := range req.Catalog {
		in.Catalog = append(in.Catalog, promptField{
			Name:     f.Name,
			Label:    f.Label,
			Type:     string(f.Type),
			Required: f.Required,
			Values:   f.EnumValues,
		})
	}
	for i, row := range req.PreviewRows {
		if i == maxPromptRows {
			break
		}
		cells := make([]string, len(req.Headers))
		for j, h := range req.Headers {
			cells[j] = truncate(row[h], maxPromptCell)
		}
		in.Rows = append(in.Rows, cells)
	}

	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	return "Map these columns:\n" + string(data), nil
}

type answer struct {
	Mappings []struct {
		Header string `json:"header"`
		Field  string `json:"field"`
	} `json:"mappings"`
	Confidence string `json:"confidence"`
	Notes      string `json:"notes"`
}

// parseAnswer decodes the model's JSON, tolerating a markdown code fence.
func parseAnswer(text string) (core.Suggestion, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var a answer
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &a); err != nil {
		return core.Suggestion{}, fmt.Errorf("decode gemini answer: %w", err)
	}

	mapping := make(core.Mapping, len(a.Mappings))
	for _, m := range a.Mappings {
		field := strings.TrimSpace(m.Field)
		switch strings.ToLower(field) {
		case "new", "__new__":
			field = core.NewAttribute
		case "ignore", "none", "null":
			field = ""
		}
		mapping[m.Header] = field
	}

	return core.Suggestion{
		Mapping:    mapping,
		Confidence: core.Confidence(strings.ToLower(strings.TrimSpace(a.Confidence))),
		Notes:      a.Notes,
	}, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
