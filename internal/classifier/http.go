package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"nadfeud/internal/domain"
)

// maxResponseBytes caps how much of a classifier response is read.
const maxResponseBytes = 1 << 20

// HTTPClassifier delegates grouping to the remote LLM-backed endpoint.
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPClassifier(endpoint, apiKey string, client *http.Client) *HTTPClassifier {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClassifier{endpoint: endpoint, apiKey: apiKey, client: client}
}

type classifyRequest struct {
	Question string   `json:"question"`
	Answers  []string `json:"answers"`
}

// Classify posts the question and answers and validates the returned groups.
// Percentages are recomputed from counts over len(answers).
func (c *HTTPClassifier) Classify(ctx context.Context, question string, answers []string) ([]domain.GroupSpec, error) {
	body, err := json.Marshal(classifyRequest{Question: question, Answers: answers})
	if err != nil {
		return nil, fmt.Errorf("encode classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call classifier: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	groups, err := ParseGroups(data)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		groups[i].Percentage = Percentage(groups[i].Count, len(answers))
	}
	return groups, nil
}
