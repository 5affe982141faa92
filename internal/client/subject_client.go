package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/poplovexz/qiyewenjian-approvals/internal/repository"
)

// SubjectServiceClient applies terminal workflow outcomes to a subject owned
// by another service. One client per subject type is registered with the
// side-effect dispatcher at startup.
type SubjectServiceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewSubjectServiceClient creates a subject mutation client.
func NewSubjectServiceClient(baseURL string, timeout time.Duration) *SubjectServiceClient {
	return &SubjectServiceClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// applyOutcomeRequest is the wire shape of the apply-outcome call.
type applyOutcomeRequest struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Outcome     string `json:"outcome"`
}

// Apply invokes the owning service's mutation endpoint. The owning service
// decides what "approved" or "rejected" means for its record (activate,
// soft-delete, ...).
func (c *SubjectServiceClient) Apply(ctx context.Context, subjectType, subjectID string, outcome repository.Outcome) error {
	body, err := json.Marshal(applyOutcomeRequest{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Outcome:     string(outcome),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/subjects/apply-outcome", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("apply outcome to %s/%s: %w", subjectType, subjectID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("apply outcome to %s/%s: subject service returned status %d",
			subjectType, subjectID, resp.StatusCode)
	}
	return nil
}
