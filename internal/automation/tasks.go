package automation

import (
	"context"

	"github.com/betbot/rugreplay/internal/bridge"
)

// ConnectTask 返回在 bridge worker 上执行的连接任务
func ConnectTask(a Automator) bridge.Task {
	return func(ctx context.Context) (any, error) {
		return nil, a.Connect(ctx)
	}
}

// NavigateTask 打开 url
func NavigateTask(a Automator, url string) bridge.Task {
	return func(ctx context.Context) (any, error) {
		return url, a.Navigate(ctx, url)
	}
}

// ActionTask 执行一个操作。action 按值捕获。
func ActionTask(a Automator, action Action) bridge.Task {
	return func(ctx context.Context) (any, error) {
		res, err := a.ExecuteAction(ctx, action)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

// ScreenshotTask 截图，结果为 []byte
func ScreenshotTask(a Automator) bridge.Task {
	return func(ctx context.Context) (any, error) {
		return a.Screenshot(ctx)
	}
}
