package capability

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/wuwenbin0122/workforce/internal/tools"
)

var ratioSizes = map[string]string{
	"1:1":  "1024x1024",
	"16:9": "1792x1024",
	"9:16": "1024x1792",
	"4:3":  "1365x1024",
	"3:4":  "1024x1365",
	"3:2":  "1536x1024",
	"2:3":  "1024x1536",
	"21:9": "2048x878",
}

type imageAPIRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imageAPIResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL           string `json:"url"`
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	Usage *chatUsage `json:"usage"`
}

// ImageAdapter serves the image tool through /images/generations.
type ImageAdapter struct {
	client *Client
}

func NewImageAdapter(client *Client) *ImageAdapter {
	return &ImageAdapter{client: client}
}

var _ tools.Adapter = (*ImageAdapter)(nil)

func (a *ImageAdapter) Invoke(ctx context.Context, params tools.Params, progress tools.ProgressFunc) (*tools.Artifact, error) {
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return nil, errEmptyPrompt
	}
	report(progress, 0, "submitted")

	req := imageAPIRequest{
		Model:          a.client.cfg.ImageModel,
		Prompt:         prompt,
		N:              params.Count,
		AspectRatio:    params.AspectRatio,
		ResponseFormat: "url",
	}
	if strings.Contains(params.Resolution, "x") {
		req.Size = params.Resolution
	} else if size, ok := ratioSizes[params.AspectRatio]; ok {
		req.Size = size
	}

	var resp imageAPIResponse
	if err := a.client.doJSON(ctx, http.MethodPost, "/images/generations", req, &resp); err != nil {
		return nil, err
	}

	artifact := &tools.Artifact{Provider: providerName, Model: req.Model}
	for _, item := range resp.Data {
		switch {
		case item.URL != "":
			artifact.URLs = append(artifact.URLs, item.URL)
		case item.B64JSON != "":
			artifact.URLs = append(artifact.URLs, "data:image/png;base64,"+item.B64JSON)
		}
	}
	if len(artifact.URLs) == 0 {
		return nil, fmt.Errorf("image response contained no images")
	}
	if resp.Usage != nil {
		artifact.InputTokens = resp.Usage.PromptTokens
		artifact.OutputTokens = resp.Usage.CompletionTokens
	}

	report(progress, 100, "done")
	return artifact, nil
}

func report(progress tools.ProgressFunc, percent int, status string) {
	if progress != nil {
		progress(percent, status)
	}
}
