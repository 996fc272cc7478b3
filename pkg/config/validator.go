package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	if c.Database.URL != "" {
		if _, err := url.Parse(c.Database.URL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	}

	if c.Database.VectorDim < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.vector_dim",
			Message: "vector_dim must be positive",
		})
	}

	if c.Embedding.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "embedding.base_url",
			Message: "embedding base URL is required",
		})
	} else if _, err := url.Parse(c.Embedding.BaseURL); err != nil {
		errors = append(errors, ValidationError{
			Field:   "embedding.base_url",
			Message: "invalid embedding base URL",
		})
	}

	if c.Embedding.VectorDim != c.Database.VectorDim {
		errors = append(errors, ValidationError{
			Field:   "embedding.vector_dim",
			Message: "vector_dim must match database.vector_dim",
		})
	}

	if c.Scheduler.GlobalConcurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.global_concurrency",
			Message: "global_concurrency must be positive",
		})
	}

	if c.Scheduler.Jitter < 0 || c.Scheduler.Jitter > 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.jitter",
			Message: "jitter must be between 0 and 1",
		})
	}

	if c.Pipeline.MaxConcurrent < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.max_concurrent",
			Message: "max_concurrent must be positive",
		})
	}

	if c.Scorer.MinScore < 0 || c.Scorer.MinScore > 1 {
		errors = append(errors, ValidationError{
			Field:   "scorer.min_score",
			Message: "min_score must be between 0 and 1",
		})
	}

	if c.Scorer.MinLength >= c.Scorer.MaxLength {
		errors = append(errors, ValidationError{
			Field:   "scorer.min_length",
			Message: "min_length must be less than max_length",
		})
	}

	if c.Dedup.SimilarityThreshold <= 0 || c.Dedup.SimilarityThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "dedup.similarity_threshold",
			Message: "similarity_threshold must be in (0, 1]",
		})
	}

	if c.Dedup.OnEmbedError != "fail_open" && c.Dedup.OnEmbedError != "fail_closed" {
		errors = append(errors, ValidationError{
			Field:   "dedup.on_embed_error",
			Message: "on_embed_error must be fail_open or fail_closed",
		})
	}

	if c.Fetch.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "fetch.max_attempts",
			Message: "max_attempts must be positive",
		})
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		field := fmt.Sprintf("sources[%d]", i)

		if src.ID == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".id",
				Message: "id is required",
			})
		} else if seen[src.ID] {
			errors = append(errors, ValidationError{
				Field:   field + ".id",
				Message: fmt.Sprintf("duplicate source id %q", src.ID),
			})
		}
		seen[src.ID] = true

		switch src.Kind {
		case "feed", "web":
			if src.URL == "" {
				errors = append(errors, ValidationError{
					Field:   field + ".url",
					Message: "url is required",
				})
			}
		case "social":
			if src.Endpoint == "" {
				errors = append(errors, ValidationError{
					Field:   field + ".endpoint",
					Message: "endpoint is required",
				})
			}
		default:
			errors = append(errors, ValidationError{
				Field:   field + ".kind",
				Message: fmt.Sprintf("unknown source kind %q", src.Kind),
			})
		}

		if src.TrustWeight < 0 || src.TrustWeight > 1 {
			errors = append(errors, ValidationError{
				Field:   field + ".trust_weight",
				Message: "trust_weight must be between 0 and 1",
			})
		}
	}

	return errors
}
