package estimator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPEstimator calls the prediction service over HTTP. It is intentionally
// thin: transport errors and non-200 responses all collapse into
// ErrUnavailable so callers only need the fail-open path.
type HTTPEstimator struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewHTTPEstimator(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPEstimator {
	return &HTTPEstimator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (h *HTTPEstimator) Predict(ctx context.Context, req Request) (Prediction, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: marshal request: %v", ErrUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.log.Warn().Err(err).Msg("duration predictor call failed")
		return Prediction{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.log.Warn().Int("status", resp.StatusCode).Msg("duration predictor returned non-200")
		return Prediction{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return Prediction{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return pred, nil
}
