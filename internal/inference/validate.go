package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/clinical-session-insights/internal/metrics"
)

// ErrInvalidAPIKey is returned by Validate when Gemini rejects the key.
var ErrInvalidAPIKey = errors.New("gemini API key is invalid, expired, or lacks permissions")

// Validate makes a minimal Gemini call to confirm the key works. A quota
// condition is not a validation failure: the key is good, just limited.
// An unconfigured gateway validates trivially.
func (g *Gateway) Validate(ctx context.Context) error {
	if !g.Configured() {
		return nil
	}
	log.Debug().Str("model", g.model).Msg("Validating API key with Gemini API")

	start := time.Now()
	_, err := g.models.GenerateContent(ctx, g.model, genai.Text("hi"), nil)
	elapsed := time.Since(start)

	result := "success"
	defer func() {
		metrics.New().
			Dimension("Result", result).
			Metric("ApiKeyValidationMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
			Count("ApiKeyValidationResult").
			Flush()
	}()

	if err == nil {
		log.Info().Dur("duration", elapsed).Msg("API key validated successfully")
		return nil
	}

	var apiErr *genai.APIError
	switch {
	case errors.As(err, &apiErr) && (apiErr.Code == 400 || apiErr.Code == 401 || apiErr.Code == 403):
		result = "invalid"
		return fmt.Errorf("%w: %v", ErrInvalidAPIKey, err)
	case IsQuotaError(err):
		result = "quota"
		log.Warn().Err(err).Msg("API key valid but quota exceeded")
		return nil
	default:
		result = "error"
		return fmt.Errorf("validate Gemini API key: %w", err)
	}
}
