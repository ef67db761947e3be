/**
 * @description
 * Package catalog maps the services users can order to the provider model that
 * fulfils them. Each service owns a typed mapper that validates raw order
 * inputs and turns them into the provider request body, and a per-second price
 * used to quote the order.
 */

package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/coduy96/taophim-sub000/internal/domain"
)

const maxPromptLength = 2500

var ErrUnknownService = domain.NewValidationError("catalog", "unknown service")

// Kind names the shape of a provider payload.
type Kind string

const (
	KindTextToVideo  Kind = "text_to_video"
	KindImageToVideo Kind = "image_to_video"
)

// Payload is the provider request body for one order.
type Payload interface {
	Kind() Kind
	DurationSeconds() int
}

type TextToVideo struct {
	Prompt         string `json:"prompt"`
	Duration       int    `json:"duration,string"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

func (p TextToVideo) Kind() Kind           { return KindTextToVideo }
func (p TextToVideo) DurationSeconds() int { return p.Duration }

type ImageToVideo struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url"`
	Duration int    `json:"duration,string"`
}

func (p ImageToVideo) Kind() Kind           { return KindImageToVideo }
func (p ImageToVideo) DurationSeconds() int { return p.Duration }

// Inputs is what a user submits with an order.
type Inputs struct {
	Prompt         string `json:"prompt"`
	Duration       int    `json:"duration,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
}

// Service is one orderable product.
type Service struct {
	ID             string
	Name           string
	ModelID        string
	Kind           Kind
	PricePerSecond int64
	Durations      []int
	AspectRatios   []string
}

// Quote returns the Xu cost of a payload.
func (s Service) Quote(p Payload) int64 {
	return s.PricePerSecond * int64(p.DurationSeconds())
}

// Map validates raw inputs and builds the provider payload.
func (s Service) Map(raw json.RawMessage) (Payload, error) {
	op := "catalog.map"

	var in Inputs
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return nil, domain.NewValidationError(op, "inputs must be a JSON object with known fields")
	}

	in.Prompt = strings.TrimSpace(in.Prompt)
	if in.Prompt == "" {
		return nil, domain.NewValidationError(op, "prompt is required")
	}
	if len([]rune(in.Prompt)) > maxPromptLength {
		return nil, domain.NewValidationError(op, fmt.Sprintf("prompt exceeds %d characters", maxPromptLength))
	}

	if in.Duration == 0 && len(s.Durations) > 0 {
		in.Duration = s.Durations[0]
	}
	if !slices.Contains(s.Durations, in.Duration) {
		return nil, domain.NewValidationError(op, fmt.Sprintf("duration must be one of %v seconds", s.Durations))
	}

	switch s.Kind {
	case KindTextToVideo:
		if in.ImageURL != "" {
			return nil, domain.NewValidationError(op, "image_url is not accepted by this service")
		}
		if in.AspectRatio != "" && !slices.Contains(s.AspectRatios, in.AspectRatio) {
			return nil, domain.NewValidationError(op, fmt.Sprintf("aspect_ratio must be one of %v", s.AspectRatios))
		}
		return TextToVideo{
			Prompt:         in.Prompt,
			Duration:       in.Duration,
			AspectRatio:    in.AspectRatio,
			NegativePrompt: strings.TrimSpace(in.NegativePrompt),
		}, nil
	case KindImageToVideo:
		u, err := url.Parse(strings.TrimSpace(in.ImageURL))
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return nil, domain.NewValidationError(op, "image_url must be an https URL")
		}
		return ImageToVideo{Prompt: in.Prompt, ImageURL: u.String(), Duration: in.Duration}, nil
	default:
		return nil, fmt.Errorf("service %s has unsupported kind %q", s.ID, s.Kind)
	}
}

// Prepared is a validated, quoted order request.
type Prepared struct {
	Service Service
	Payload Payload
	Cost    int64
}

// Registry maps service ids to services.
type Registry struct {
	services map[string]Service
}

func NewRegistry(services ...Service) (*Registry, error) {
	r := &Registry{services: make(map[string]Service, len(services))}
	for _, s := range services {
		if s.ID == "" || s.ModelID == "" {
			return nil, fmt.Errorf("service %q is missing an id or model id", s.ID)
		}
		if s.PricePerSecond <= 0 || len(s.Durations) == 0 {
			return nil, fmt.Errorf("service %s needs a positive price and at least one duration", s.ID)
		}
		if _, dup := r.services[s.ID]; dup {
			return nil, fmt.Errorf("duplicate service id %s", s.ID)
		}
		r.services[s.ID] = s
	}
	return r, nil
}

func (r *Registry) Lookup(serviceID string) (Service, error) {
	s, ok := r.services[serviceID]
	if !ok {
		return Service{}, ErrUnknownService
	}
	return s, nil
}

// Prepare maps and quotes an order for serviceID.
func (r *Registry) Prepare(serviceID string, inputs json.RawMessage) (*Prepared, error) {
	s, err := r.Lookup(serviceID)
	if err != nil {
		return nil, err
	}
	payload, err := s.Map(inputs)
	if err != nil {
		return nil, err
	}
	return &Prepared{Service: s, Payload: payload, Cost: s.Quote(payload)}, nil
}

// Services returns the registered services ordered by id.
func (r *Registry) Services() []Service {
	out := make([]Service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Service) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// DefaultRegistry returns the production service list.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		Service{
			ID:             "kling-text-to-video",
			Name:           "Kling text to video",
			ModelID:        "fal-ai/kling-video/v2.1/standard/text-to-video",
			Kind:           KindTextToVideo,
			PricePerSecond: 10,
			Durations:      []int{5, 10},
			AspectRatios:   []string{"16:9", "9:16", "1:1"},
		},
		Service{
			ID:             "kling-image-to-video",
			Name:           "Kling image to video",
			ModelID:        "fal-ai/kling-video/v2.1/standard/image-to-video",
			Kind:           KindImageToVideo,
			PricePerSecond: 12,
			Durations:      []int{5, 10},
		},
		Service{
			ID:             "veo3-fast",
			Name:           "Veo 3 fast",
			ModelID:        "fal-ai/veo3/fast",
			Kind:           KindTextToVideo,
			PricePerSecond: 40,
			Durations:      []int{8},
			AspectRatios:   []string{"16:9", "9:16"},
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}
