package emission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthorityAPI talks to the authority integration service. It implements
// Poller, DocumentFetcher and SubmissionService over the same HTTP client.
type AuthorityAPI struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewAuthorityAPI() (*AuthorityAPI, error) {
	baseURL := strings.TrimSpace(os.Getenv("FISCAL_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.notafiscal-integra.com"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("FISCAL_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	apiKey := strings.TrimSpace(os.Getenv("FISCAL_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("fiscal api key is empty")
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("FISCAL_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &AuthorityAPI{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

// getRaw performs one GET round trip. Transport faults return an error; any
// HTTP status (including 404) is returned to the caller for classification.
func (a *AuthorityAPI) getRaw(ctx context.Context, path string) (int, []byte, error) {
	<-a.limiter
	endpoint := a.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set(a.apiKeyHdr, a.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// FetchDocument retrieves the structured-document bytes. The locator is the
// path the status payload handed out.
func (a *AuthorityAPI) FetchDocument(ctx context.Context, locator string) ([]byte, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return nil, errors.New("document locator is empty")
	}
	if !strings.HasPrefix(locator, "/") {
		locator = "/" + locator
	}
	status, body, err := a.getRaw(ctx, locator)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("fiscal api error %d: %s", status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// Submit hands the document payload to the authority integration under the
// correlation reference. The integration answers with an accepted/queued
// acknowledgment; the final outcome is observed by polling.
func (a *AuthorityAPI) Submit(ctx context.Context, reference string, payload SubmissionPayload) error {
	<-a.limiter

	type submitRequest struct {
		Referencia string `json:"referencia"`
		SubmissionPayload
	}
	data, err := json.Marshal(submitRequest{Referencia: reference, SubmissionPayload: payload})
	if err != nil {
		return err
	}

	endpoint := a.baseURL + "/v1/nfse"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set(a.apiKeyHdr, a.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fiscal api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
