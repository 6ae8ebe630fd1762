package explainer

import (
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/pavelanni/clearconsent/internal/model"
)

// SchemaName identifies the response schema sent to the generator.
const SchemaName = "consent_explainer"

func str(desc string) jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.String, Description: desc}
}

// Schema constrains the generator's response. likelihoodPercent is optional,
// so the schema is not sent in strict mode.
var Schema = &jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"keyPoints": {
			Type:        jsonschema.Array,
			Description: "5 to 7 plain-language key points: what is being done, why, how it works, what to expect, recovery",
			Items: &jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"title":       str("Short heading"),
					"explanation": str("2-3 sentences a 6th grader understands"),
					"analogy":     str("Everyday analogy"),
					"icon":        str("A single emoji"),
				},
				Required: []string{"title", "explanation", "analogy", "icon"},
			},
		},
		"medicalTerms": {
			Type:        jsonschema.Array,
			Description: "Medical or technical terms used in the key points or risks",
			Items: &jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"term":          str("The term exactly as written in the key points or risks"),
					"definition":    str("Plain-language definition"),
					"simpleAnalogy": str("Everyday analogy"),
				},
				Required: []string{"term", "definition", "simpleAnalogy"},
			},
		},
		"risks": {
			Type:        jsonschema.Array,
			Description: "Every risk the consent form mentions",
			Items: &jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"name": str("Risk name"),
					"likelihood": {
						Type: jsonschema.String,
						Enum: []string{string(model.LikelihoodRare), string(model.LikelihoodUncommon), string(model.LikelihoodCommon)},
					},
					"likelihoodPercent": {
						Type:        jsonschema.Integer,
						Description: "Only when the consent form states this percentage",
					},
					"severity": {
						Type: jsonschema.String,
						Enum: []string{string(model.SeverityLow), string(model.SeverityMedium), string(model.SeverityHigh)},
					},
					"description": str("Plain-language description"),
				},
				Required: []string{"name", "likelihood", "severity", "description"},
			},
		},
		"questions": {
			Type:        jsonschema.Array,
			Description: "Exactly 7 scenario-based multiple-choice questions",
			Items: &jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"id":       {Type: jsonschema.Integer},
					"scenario": str("A realistic situation the patient might face"),
					"question": str("The question"),
					"options": {
						Type: jsonschema.Array,
						Items: &jsonschema.Definition{
							Type: jsonschema.Object,
							Properties: map[string]jsonschema.Definition{
								"id":   str("Short unique option id such as a, b, c, d"),
								"text": str("Option text"),
							},
							Required: []string{"id", "text"},
						},
					},
					"correctId":       str("Id of the single correct option"),
					"explanation":     str("Why the correct option is right"),
					"relatedKeyPoint": {Type: jsonschema.Integer, Description: "0-based index into keyPoints"},
				},
				Required: []string{"id", "scenario", "question", "options", "correctId", "explanation", "relatedKeyPoint"},
			},
		},
	},
	Required: []string{"keyPoints", "medicalTerms", "risks", "questions"},
}
