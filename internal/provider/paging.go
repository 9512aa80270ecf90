package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// MaxPages bounds pagination so a provider that never clears has_more cannot loop forever
const MaxPages = 100

// bucketPage is the cursor layout of the OpenAI and Anthropic admin APIs
type bucketPage struct {
	Data     []json.RawMessage `json:"data"`
	HasMore  bool              `json:"has_more"`
	NextPage *string           `json:"next_page"`
}

// FetchPages GETs baseURL with query, following has_more/next_page through the page
// parameter, and returns a single document {"data": [...]} holding every page's buckets
func FetchPages(ctx context.Context, client *http.Client, id ID, baseURL string, query url.Values, header http.Header) ([]byte, error) {
	q := url.Values{}
	for k, vs := range query {
		q[k] = append([]string(nil), vs...)
	}

	data := []json.RawMessage{}
	for page := 0; ; page++ {
		if page == MaxPages {
			return nil, NewParseError(id, fmt.Errorf("more than %d pages", MaxPages))
		}

		body, err := GetJSON(ctx, client, id, baseURL+"?"+q.Encode(), header)
		if err != nil {
			return nil, err
		}

		var p bucketPage
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, NewParseError(id, fmt.Errorf("decode page %d: %w", page+1, err))
		}
		data = append(data, p.Data...)

		if !p.HasMore || p.NextPage == nil || *p.NextPage == "" {
			break
		}
		q.Set("page", *p.NextPage)
	}

	doc, err := json.Marshal(struct {
		Data []json.RawMessage `json:"data"`
	}{Data: data})
	if err != nil {
		return nil, NewParseError(id, err)
	}
	return doc, nil
}
