package domain

import "fmt"

// Normalize fills defaulted fields of a spec in place.
func (s *DiagramSpec) Normalize() {
	if s.Style == "" {
		s.Style = StyleAzure
	}
	if s.Quality == "" {
		s.Quality = QualityStandard
	}
	if s.DiagramType == "" {
		s.DiagramType = DiagramTypeRaster
	}
	if s.OutputFormat == "" {
		s.OutputFormat = "png"
	}
}

// Validate checks a normalized spec. A prompt is required unless a template
// reference is present; enumerated options must hold known values.
func (s DiagramSpec) Validate() error {
	if s.Prompt == "" && s.TemplateID == "" {
		return fmt.Errorf("%w: prompt or template_id required", ErrInvalidArgument)
	}
	if len(s.Prompt) > MaxPromptBytes {
		return fmt.Errorf("%w: prompt exceeds %d bytes", ErrInvalidArgument, MaxPromptBytes)
	}
	switch s.Style {
	case StyleAzure, StyleAWS, StyleGCP, StyleK8s, StyleGeneric:
	default:
		return fmt.Errorf("%w: unknown style %q", ErrInvalidArgument, s.Style)
	}
	switch s.Quality {
	case QualitySimple, QualityStandard, QualityEnterprise:
	default:
		return fmt.Errorf("%w: unknown quality %q", ErrInvalidArgument, s.Quality)
	}
	switch s.DiagramType {
	case DiagramTypeRaster, DiagramTypeExchange:
	default:
		return fmt.Errorf("%w: unknown diagram type %q", ErrInvalidArgument, s.DiagramType)
	}
	return nil
}
