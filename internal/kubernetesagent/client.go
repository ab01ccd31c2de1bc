package kubernetesagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

const (
	requestTimeout = 20 * time.Second
	userAgent      = "kube-executor/"
)

// ErrUnauthorized is returned when the broker rejects the agent token.
var ErrUnauthorized = errors.New("broker rejected the agent token")

// errRejected marks a response that retrying cannot fix.
type errRejected struct {
	status int
	msg    string
}

func (e *errRejected) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("broker responded with status %d: %s", e.status, e.msg)
	}
	return fmt.Sprintf("broker responded with status %d", e.status)
}

func isRejected(err error) bool {
	var rejected *errRejected
	return errors.As(err, &rejected)
}

// brokerClient speaks the executor side of the broker's /agent API.
type brokerClient struct {
	baseURL   string
	clusterID string
	token     string
	version   string
	http      *http.Client
}

// normalizeBrokerURL requires https unless the host is loopback.
func normalizeBrokerURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("broker URL %q is invalid: %w", rawURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("broker URL %q must include scheme and host", rawURL)
	}
	if parsed.User != nil {
		return "", fmt.Errorf("broker URL %q must not include user credentials", rawURL)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("broker URL %q must not include query or fragment", rawURL)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "https":
	case "http":
		if !isLoopbackHost(parsed.Hostname()) {
			return "", fmt.Errorf("broker URL %q must use https unless host is loopback", rawURL)
		}
	default:
		return "", fmt.Errorf("broker URL %q has unsupported scheme %q", rawURL, parsed.Scheme)
	}

	parsed.Scheme = scheme
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = strings.TrimRight(parsed.RawPath, "/")
	return parsed.String(), nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (c *brokerClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set(agentsexec.HeaderClusterID, c.clusterID)
	req.Header.Set("User-Agent", userAgent+c.version)
	return req, nil
}

func (c *brokerClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return nil, ErrUnauthorized
	}
	return resp, nil
}

// Poll long-polls for commands. A nil slice with a nil error means nothing was queued.
func (c *brokerClient) Poll(ctx context.Context, wait time.Duration) ([]agentsexec.Command, error) {
	ctx, cancel := context.WithTimeout(ctx, wait+requestTimeout)
	defer cancel()

	path := "/agent/commands?wait=" + strconv.Itoa(int(wait/time.Second))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var poll agentsexec.PollResponse
		if err := json.NewDecoder(resp.Body).Decode(&poll); err != nil {
			return nil, fmt.Errorf("decode poll response: %w", err)
		}
		return poll.Commands, nil
	default:
		return nil, statusError(resp)
	}
}

// PostResult delivers a result. A duplicate is reported by the broker as 409 and treated as
// delivered.
func (c *brokerClient) PostResult(ctx context.Context, result agentsexec.Result) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, "/agent/results", result)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode >= 300:
		return statusError(resp)
	}
	return nil
}

// PostCapabilities reports the executor's policy. It doubles as a heartbeat.
func (c *brokerClient) PostCapabilities(ctx context.Context, caps agentsexec.Capabilities) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, "/agent/capabilities", caps)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

// statusError reads a short error message. 4xx responses other than 408 and 429 are
// rejections that retrying will not change.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return &errRejected{status: resp.StatusCode, msg: msg}
	}
	if msg != "" {
		return fmt.Errorf("broker responded with status %s: %s", resp.Status, msg)
	}
	return fmt.Errorf("broker responded with status %s", resp.Status)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
