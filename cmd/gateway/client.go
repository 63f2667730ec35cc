package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"defense-gateway/internal/config"
)

var errNoToken = errors.New("admin token is required (--token or DEFENSE_ADMIN_TOKEN)")

// adminClient fala com a API /admin de um gateway em execução.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient(cfg *config.Config) (*adminClient, error) {
	if strings.TrimSpace(cfg.Admin.Token) == "" {
		return nil, errNoToken
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.Admin.URL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid admin url %q: %w", cfg.Admin.URL, err)
	}
	return &adminClient{
		base:  base,
		token: cfg.Admin.Token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// do executa a chamada e devolve o corpo bruto; status fora de 2xx vira erro com a mensagem da API.
func (c *adminClient) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	target := c.base + "/admin" + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("admin api %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return nil, fmt.Errorf("admin api %s %s: %d %s", method, path, resp.StatusCode, msg)
	}
	return raw, nil
}

// call decodifica a resposta em out e também devolve o corpo bruto para -o json|yaml.
func (c *adminClient) call(ctx context.Context, method, path string, query url.Values, body, out any) ([]byte, error) {
	raw, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return raw, nil
}
