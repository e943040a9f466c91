// Package llm talks to the language model that classifies a message's intent
// and extracts its raw entities.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/cyclenlu/internal/domain"
	"github.com/antoniostano/cyclenlu/internal/observability"
)

// ErrMalformedResult is returned when the model reply is not the expected
// JSON object. Replies are never repaired.
var ErrMalformedResult = errors.New("malformed classifier result")

// Request is what the classifier sees for one message.
type Request struct {
	UserID        string   `json:"user_id"`
	Message       string   `json:"message"`
	RecentHistory []string `json:"recent_history,omitempty"`
}

// Result is the classifier's reading of a message.
type Result struct {
	Intent   domain.Intent      `json:"intent"`
	Entities domain.RawEntities `json:"entities"`
}

type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
	Mode() string
}

// Config controls classifier construction.
type Config struct {
	Mode          string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	HTTPURL       string
	// RateLimit is requests per second for remote modes; zero is unlimited.
	RateLimit float64
	Burst     int
	CacheTTL  time.Duration
}

func NewClassifier(cfg Config, metrics *observability.Metrics) (Classifier, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	if mode == "auto" {
		switch {
		case strings.TrimSpace(cfg.OpenAIAPIKey) != "":
			mode = "openai"
		case strings.TrimSpace(cfg.HTTPURL) != "":
			mode = "http"
		default:
			mode = "mock"
		}
	}

	var c Classifier
	switch mode {
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for openai mode")
		}
		c = NewOpenAIClassifier(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("classifier HTTP url is required for http mode")
		}
		c = NewHTTPClassifier(cfg.HTTPURL)
	case "mock":
		c = NewMockClassifier(nil)
	default:
		return nil, fmt.Errorf("unsupported classifier mode %q", cfg.Mode)
	}

	if mode != "mock" && cfg.RateLimit > 0 {
		c = WithRateLimit(c, cfg.RateLimit, cfg.Burst)
	}
	if cfg.CacheTTL > 0 {
		c = NewCachingClassifier(c, cfg.CacheTTL, metrics)
	}
	return c, nil
}
