package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPAdapter 通过 HTTP 调用链适配服务，并用令牌桶限制对链端的请求速率。
type HTTPAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPAdapter rps<=0 时不限速。
func NewHTTPAdapter(baseURL, apiKey string, timeout time.Duration, rps int) *HTTPAdapter {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	return &HTTPAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

type actionRequest struct {
	Action   string `json:"action"`
	Contract string `json:"contract"`
	Payload  any    `json:"payload"`
}

func (a *HTTPAdapter) Settle(ctx context.Context, action string, payload any, contract string) (Settlement, error) {
	body, err := json.Marshal(actionRequest{Action: action, Contract: contract, Payload: payload})
	if err != nil {
		return Settlement{}, err
	}
	var out Settlement
	if err := a.call(ctx, http.MethodPost, "/actions", body, &out); err != nil {
		return Settlement{}, fmt.Errorf("chain %s: %w", action, err)
	}
	return out, nil
}

func (a *HTTPAdapter) MintCount(ctx context.Context, saleID uint) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	path := "/sales/" + strconv.FormatUint(uint64(saleID), 10) + "/mint-count"
	if err := a.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, fmt.Errorf("chain mint count: %w", err)
	}
	return out.Count, nil
}

func (a *HTTPAdapter) CheckOwnership(ctx context.Context, assetContract string, assetID int64) (bool, error) {
	var out struct {
		Minted bool `json:"minted"`
	}
	path := "/assets/" + url.PathEscape(assetContract) + "/" + strconv.FormatInt(assetID, 10) + "/owner"
	if err := a.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, fmt.Errorf("chain ownership: %w", err)
	}
	return out.Minted, nil
}

func (a *HTTPAdapter) call(ctx context.Context, method, path string, body []byte, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return json.Unmarshal(respBody, out)
}
