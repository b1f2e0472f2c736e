package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
)

type HttpBillingClientConfig struct {
	// Base url of the credit/billing service, e.g. http://billing:5556
	Url string `validate:"required,url"`
	// Timeout of every single request.
	RequestTimeout time.Duration
	// Total number of attempts, including the first one.
	Attempts uint
	// Pause between attempts.
	RetryDelay time.Duration
}

// HttpBillingClient reads job quotas from the billing service REST API.
type HttpBillingClient struct {
	config HttpBillingClientConfig
	client *http.Client
}

type jobsQuotaResponse struct {
	MaxConcurrentJobs *int `json:"maxConcurrentJobs"`
}

// statusError is returned for non-2xx responses. Only server errors are worth retrying.
type statusError struct {
	statusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("billing service responded with status %d", e.statusCode)
}

func NewHttpBillingClient(config HttpBillingClientConfig) *HttpBillingClient {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.Attempts == 0 {
		config.Attempts = 3
	}
	return &HttpBillingClient{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
	}
}

func (c *HttpBillingClient) String() string {
	return "billing service " + c.config.Url
}

func (c *HttpBillingClient) GetJobsQuota(ctx context.Context, organizationID string) (int, error) {
	endpoint := fmt.Sprintf("%s/api/v1/organizations/%s/quotas/jobs", c.config.Url, url.PathEscape(organizationID))

	var quota int
	err := retry.Do(
		func() error {
			var err error
			quota, err = c.fetch(ctx, endpoint)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.config.Attempts),
		retry.Delay(c.config.RetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
	)
	if err != nil {
		return 0, err
	}
	return quota, nil
}

func (c *HttpBillingClient) fetch(ctx context.Context, endpoint string) (int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return 0, errors.WithStack(&statusError{statusCode: response.StatusCode})
	}

	var body jobsQuotaResponse
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return 0, errors.Wrap(err, "decoding billing service response")
	}
	if body.MaxConcurrentJobs == nil {
		return 0, errors.New("billing service response has no maxConcurrentJobs")
	}
	return *body.MaxConcurrentJobs, nil
}

func isRetryable(err error) bool {
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode >= 500 || statusErr.statusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
