package capability

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wuwenbin0122/workforce/internal/tools"
)

type videoAPIRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	Duration    int    `json:"duration,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
}

type videoTask struct {
	ID       string        `json:"id"`
	Status   string        `json:"status"`
	Progress int           `json:"progress"`
	VideoURL string        `json:"video_url"`
	Data     []videoResult `json:"data"`
	Error    *apiErrorBody `json:"error,omitempty"`
}

type videoResult struct {
	URL string `json:"url"`
}

// VideoAdapter submits a generation task and polls it until it settles,
// reporting the provider's progress along the way.
type VideoAdapter struct {
	client *Client
}

func NewVideoAdapter(client *Client) *VideoAdapter {
	return &VideoAdapter{client: client}
}

var _ tools.Adapter = (*VideoAdapter)(nil)

func (a *VideoAdapter) Invoke(ctx context.Context, params tools.Params, progress tools.ProgressFunc) (*tools.Artifact, error) {
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return nil, errEmptyPrompt
	}

	req := videoAPIRequest{
		Model:       a.client.cfg.VideoModel,
		Prompt:      prompt,
		Duration:    params.Duration,
		AspectRatio: params.AspectRatio,
		Resolution:  params.Resolution,
	}

	var task videoTask
	if err := a.client.doJSON(ctx, http.MethodPost, "/videos/generations", req, &task); err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, fmt.Errorf("video response contained no task id")
	}
	report(progress, 0, "queued")

	cfg := a.client.cfg
	polls := int(cfg.PollTimeout / cfg.PollInterval)
	if polls < 1 {
		polls = 1
	}

	for i := 0; ; i++ {
		switch strings.ToLower(task.Status) {
		case "succeeded", "success", "completed":
			urls := collectVideoURLs(task)
			if len(urls) == 0 {
				return nil, fmt.Errorf("video task %s finished without output", task.ID)
			}
			report(progress, 100, "done")
			return &tools.Artifact{
				URLs:     urls,
				Provider: providerName,
				Model:    req.Model,
				Extra:    map[string]any{"task_id": task.ID},
			}, nil
		case "failed", "error", "cancelled":
			if task.Error != nil {
				return nil, &APIError{StatusCode: http.StatusOK, Code: task.Error.code(), Message: task.Error.Message}
			}
			return nil, fmt.Errorf("video task %s failed", task.ID)
		}

		if task.Progress > 0 {
			report(progress, task.Progress, task.Status)
		}
		if i >= polls {
			return nil, fmt.Errorf("video task %s still %s after %s", task.ID, task.Status, cfg.PollTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.client.clock.After(cfg.PollInterval):
		}

		path := "/videos/generations/" + url.PathEscape(task.ID)
		var next videoTask
		if err := a.client.doJSON(ctx, http.MethodGet, path, nil, &next); err != nil {
			return nil, err
		}
		if next.ID == "" {
			next.ID = task.ID
		}
		task = next
	}
}

func collectVideoURLs(task videoTask) []string {
	var urls []string
	if task.VideoURL != "" {
		urls = append(urls, task.VideoURL)
	}
	for _, d := range task.Data {
		if d.URL != "" {
			urls = append(urls, d.URL)
		}
	}
	return urls
}
