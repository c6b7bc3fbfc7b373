package automation

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// HTTPConfig 远程自动化服务参数
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	Retries int
}

// HTTPAutomator 通过 HTTP 调用远程浏览器自动化服务
//
//	POST /connect
//	POST /navigate      {"url": "..."}
//	POST /actions       Action -> Result
//	GET  /screenshot    image/png
type HTTPAutomator struct {
	client *resty.Client
}

// NewHTTP 创建 HTTP 自动化客户端
func NewHTTP(cfg HTTPConfig) *HTTPAutomator {
	host := strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// 只重试网络错误和 5xx；4xx 是操作本身被拒绝
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return resp.StatusCode() >= http.StatusInternalServerError
		})
	return &HTTPAutomator{client: client}
}

func (h *HTTPAutomator) newRequest(ctx context.Context) *resty.Request {
	r := h.client.R().SetContext(ctx)
	r.SetHeader("Accept", "application/json")
	r.SetHeader("User-Agent", "rugreplay-bridge")
	return r
}

func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return errors.Wrapf(err, "automation %s", op)
	}
	if !resp.IsSuccess() {
		return errors.Errorf("automation %s: http %d: %s", op, resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	return nil
}

func (h *HTTPAutomator) Connect(ctx context.Context) error {
	resp, err := h.newRequest(ctx).Post("/connect")
	return checkResponse("connect", resp, err)
}

func (h *HTTPAutomator) Navigate(ctx context.Context, url string) error {
	resp, err := h.newRequest(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"url": url}).
		Post("/navigate")
	return checkResponse("navigate", resp, err)
}

func (h *HTTPAutomator) ExecuteAction(ctx context.Context, action Action) (Result, error) {
	var out Result
	resp, err := h.newRequest(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(action).
		SetResult(&out).
		Post("/actions")
	if err := checkResponse("execute "+string(action.Kind), resp, err); err != nil {
		return Result{}, err
	}
	if out.At.IsZero() {
		out.At = time.Now()
	}
	return out, nil
}

func (h *HTTPAutomator) Screenshot(ctx context.Context) ([]byte, error) {
	resp, err := h.newRequest(ctx).SetHeader("Accept", "image/png").Get("/screenshot")
	if err := checkResponse("screenshot", resp, err); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}
