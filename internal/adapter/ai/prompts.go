package ai

import (
	"fmt"

	"github.com/cloudsketch/diagen/internal/domain"
)

// systemPrompts selects the generation instructions per icon family. The
// model is asked for runnable diagram source only; the broker extracts a
// code fence and hands the payload to the renderer untouched.
var systemPrompts = map[string]string{
	domain.StyleAzure:   "You are an expert Azure solutions architect. Produce runnable Python 'diagrams' source using Azure icon classes that renders the architecture the user describes. Return only the source code in a single code block.",
	domain.StyleAWS:     "You are an expert AWS solutions architect. Produce runnable Python 'diagrams' source using AWS icon classes that renders the architecture the user describes. Return only the source code in a single code block.",
	domain.StyleGCP:     "You are an expert Google Cloud solutions architect. Produce runnable Python 'diagrams' source using GCP icon classes that renders the architecture the user describes. Return only the source code in a single code block.",
	domain.StyleK8s:     "You are an expert Kubernetes architect. Produce runnable Python 'diagrams' source using Kubernetes icon classes that renders the architecture the user describes. Return only the source code in a single code block.",
	domain.StyleGeneric: "You are an expert systems architect. Produce runnable Python 'diagrams' source using generic icon classes that renders the architecture the user describes. Return only the source code in a single code block.",
}

// qualityHints maps quality levels to a target node count for the model.
var qualityHints = map[string]string{
	domain.QualitySimple:     "Keep the diagram simple: roughly 5 to 8 nodes.",
	domain.QualityStandard:   "Use a standard level of detail: roughly 8 to 15 nodes.",
	domain.QualityEnterprise: "Model the architecture at enterprise detail: 15 or more nodes with clustered groupings.",
}

// templates is the built-in pre-canned prompt catalog referenced by
// templateId.
var templates = map[string]string{
	"web-3tier":      "A classic three-tier web application: load balancer, two web servers, an application tier, and a relational database with a read replica.",
	"microservices":  "A microservices platform: API gateway, four services with their own databases, a message broker connecting them, and a shared cache.",
	"data-pipeline":  "A batch data pipeline: object storage landing zone, ETL workers, a data warehouse, and a BI dashboard consumer.",
	"serverless-api": "A serverless HTTP API: edge CDN, API gateway, functions, a NoSQL table, and a queue for async processing.",
	"ml-inference":   "An ML inference stack: model registry, inference endpoints behind a load balancer, a feature store, and monitoring.",
}

// ResolveTemplate maps a templateId to its canned prompt.
func ResolveTemplate(id string) (string, error) {
	p, ok := templates[id]
	if !ok {
		return "", fmt.Errorf("op=ai.resolve_template: %w: unknown template %q", domain.ErrInvalidArgument, id)
	}
	return p, nil
}

// BuildPrompts returns the system and user prompt for a normalized spec.
func BuildPrompts(spec domain.DiagramSpec) (systemPrompt, userPrompt string) {
	systemPrompt = systemPrompts[spec.Style]
	if systemPrompt == "" {
		systemPrompt = systemPrompts[domain.StyleGeneric]
	}
	userPrompt = spec.Prompt
	if hint := qualityHints[spec.Quality]; hint != "" {
		userPrompt = userPrompt + "\n\n" + hint
	}
	return systemPrompt, userPrompt
}
