package mediamtx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sua-org/aibox-bus/internal/core"
)

// Path é um item de /v3/paths/list.
type Path struct {
	Name          string       `json:"name"`
	Ready         bool         `json:"ready"`
	ReadyTime     *time.Time   `json:"readyTime"`
	Source        *PathSource  `json:"source"`
	BytesReceived uint64       `json:"bytesReceived"`
	Readers       []PathSource `json:"readers"`
}

type PathSource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type pathList struct {
	PageCount int    `json:"pageCount"`
	Items     []Path `json:"items"`
}

// Client consulta a API de controle do MediaMTX.
type Client struct {
	baseURL  string
	user     string
	pass     string
	http     *http.Client
	pageSize int
}

func NewClient(baseURL, user, pass string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		user:     user,
		pass:     pass,
		http:     &http.Client{Timeout: timeout},
		pageSize: 100,
	}
}

// Paths lista todos os paths, seguindo a paginação.
func (c *Client) Paths(ctx context.Context) ([]Path, error) {
	var all []Path
	for page := 0; ; page++ {
		list, err := c.pathsPage(ctx, page)
		if err != nil {
			return nil, err
		}
		all = append(all, list.Items...)
		if page+1 >= list.PageCount {
			return all, nil
		}
	}
}

func (c *Client) pathsPage(ctx context.Context, page int) (pathList, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("itemsPerPage", strconv.Itoa(c.pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v3/paths/list?"+q.Encode(), nil)
	if err != nil {
		return pathList{}, err
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return pathList{}, fmt.Errorf("mediamtx paths/list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return pathList{}, fmt.Errorf("mediamtx paths/list: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var list pathList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return pathList{}, fmt.Errorf("mediamtx paths/list: decode: %w", err)
	}
	return list, nil
}

// Status: ready+source = online, só source = connecting, sem source = offline.
func (p Path) Status() core.Status {
	switch {
	case p.Source != nil && p.Ready:
		return core.StatusOnline
	case p.Source != nil:
		return core.StatusConnecting
	default:
		return core.StatusOffline
	}
}
