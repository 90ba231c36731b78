// Package bmapp conversa com a API HTTP do BM-APP de cada AI box.
package bmapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrAPI: a box respondeu com Result.Code != 0.
var ErrAPI = errors.New("bmapp: api error")

// AlgTaskStatus.type
const (
	TaskStopped    = 0
	TaskConnecting = 1
	TaskError      = 2
	TaskHealthy    = 4
)

type Task struct {
	Session   string     `json:"AlgTaskSession"`
	MediaName string     `json:"MediaName"`
	Desc      string     `json:"TaskDesc"`
	Status    TaskStatus `json:"AlgTaskStatus"`
}

// TaskStatus aceita objeto {"type": N}; qualquer outra coisa vira 0 (parado).
type TaskStatus struct {
	Type int `json:"type"`
}

func (s *TaskStatus) UnmarshalJSON(b []byte) error {
	var obj struct {
		Type *int `json:"type"`
	}
	if err := json.Unmarshal(b, &obj); err != nil || obj.Type == nil {
		s.Type = TaskStopped
		return nil
	}
	s.Type = *obj.Type
	return nil
}

type Media struct {
	Name string `json:"MediaName"`
	URL  string `json:"MediaUrl"`
	Desc string `json:"MediaDesc"`
}

type envelope struct {
	Result struct {
		Code int    `json:"Code"`
		Desc string `json:"Desc"`
	} `json:"Result"`
	Content json.RawMessage `json:"Content"`
}

type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Tasks chama /alg_task_fetch.
func (c *Client) Tasks(ctx context.Context, apiURL string) ([]Task, error) {
	var tasks []Task
	if err := c.call(ctx, apiURL, "/alg_task_fetch", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Media chama /alg_media_fetch.
func (c *Client) Media(ctx context.Context, apiURL string) ([]Media, error) {
	var media []Media
	if err := c.call(ctx, apiURL, "/alg_media_fetch", &media); err != nil {
		return nil, err
	}
	return media, nil
}

func (c *Client) call(ctx context.Context, apiURL, endpoint string, out any) error {
	url := strings.TrimSuffix(apiURL, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return fmt.Errorf("build request %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	if env.Result.Code != 0 {
		return fmt.Errorf("%w: %s: code=%d %s", ErrAPI, endpoint, env.Result.Code, env.Result.Desc)
	}
	if len(env.Content) == 0 || string(env.Content) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Content, out); err != nil {
		return fmt.Errorf("decode %s content: %w", endpoint, err)
	}
	return nil
}
