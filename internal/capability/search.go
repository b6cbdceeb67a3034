package capability

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/wuwenbin0122/workforce/internal/tools"
)

const defaultSearchResults = 5

type searchAPIRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

type searchAPIResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

type SearchAdapter struct {
	client     *Client
	MaxResults int
}

func NewSearchAdapter(client *Client) *SearchAdapter {
	return &SearchAdapter{client: client, MaxResults: defaultSearchResults}
}

var _ tools.Adapter = (*SearchAdapter)(nil)

func (a *SearchAdapter) Invoke(ctx context.Context, params tools.Params, progress tools.ProgressFunc) (*tools.Artifact, error) {
	query := strings.TrimSpace(params.Prompt)
	if query == "" {
		return nil, errEmptyPrompt
	}
	report(progress, 0, "searching")

	max := a.MaxResults
	if params.Count > 0 {
		max = params.Count
	}

	var resp searchAPIResponse
	if err := a.client.doJSON(ctx, http.MethodPost, "/web/search", searchAPIRequest{Query: query, MaxResults: max}, &resp); err != nil {
		return nil, err
	}

	artifact := &tools.Artifact{Provider: providerName, Model: "web-search"}
	var b strings.Builder
	if len(resp.Results) == 0 {
		fmt.Fprintf(&b, "No results for %q.", query)
	} else {
		fmt.Fprintf(&b, "Top results for %q:", query)
	}
	for i, r := range resp.Results {
		fmt.Fprintf(&b, "\n%d. %s (%s)", i+1, strings.TrimSpace(r.Title), r.URL)
		if snippet := strings.TrimSpace(r.Snippet); snippet != "" {
			b.WriteString("\n   ")
			b.WriteString(truncateRunes(snippet, 200))
		}
		if r.URL != "" {
			artifact.URLs = append(artifact.URLs, r.URL)
		}
	}
	artifact.Text = b.String()

	report(progress, 100, "done")
	return artifact, nil
}
