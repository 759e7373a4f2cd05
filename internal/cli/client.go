package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// WorkflowResponse — workflow из API.
type WorkflowResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Definition struct {
		Steps []string `json:"steps"`
	} `json:"definition"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// InstanceResponse — экземпляр workflow из API.
type InstanceResponse struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Status     string         `json:"status"`
	Tasks      []TaskResponse `json:"tasks,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// CancelResponse — результат отмены экземпляра.
type CancelResponse struct {
	Cancelled bool             `json:"cancelled"`
	Instance  InstanceResponse `json:"instance"`
}

// TaskResponse — task из API.
type TaskResponse struct {
	ID                  string         `json:"id"`
	InstanceID          string         `json:"instance_id"`
	Type                string         `json:"type"`
	Status              string         `json:"status"`
	Attempt             int            `json:"attempt"`
	MaxAttempts         int            `json:"max_attempts"`
	Payload             map[string]any `json:"payload,omitempty"`
	Result              map[string]any `json:"result,omitempty"`
	ScheduledAt         string         `json:"scheduled_at,omitempty"`
	StartedAt           string         `json:"started_at,omitempty"`
	FinishedAt          string         `json:"finished_at,omitempty"`
	CompensatedAt       string         `json:"compensated_at,omitempty"`
	CompensationAttempt int            `json:"compensation_attempt"`
	LastError           string         `json:"last_error,omitempty"`
	CreatedAt           string         `json:"created_at"`
}

// TaskLogResponse — запись журнала task из API.
type TaskLogResponse struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// --- Request types ---

// CreateWorkflowRequest — создание workflow.
type CreateWorkflowRequest struct {
	Name       string `json:"name"`
	Definition struct {
		Steps []string `json:"steps"`
	} `json:"definition"`
}

// StartWorkflowRequest — запуск экземпляра.
type StartWorkflowRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

// ListInstancesOpts — параметры фильтрации экземпляров.
type ListInstancesOpts struct {
	WorkflowID string
	Status     string
	Limit      int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для sagaflow API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Workflows ---

// ListWorkflows возвращает все workflow.
func (c *Client) ListWorkflows() ([]WorkflowResponse, error) {
	var workflows []WorkflowResponse
	err := c.list("/api/v1/workflows", nil, &workflows)
	return workflows, err
}

// CreateWorkflow создаёт workflow из упорядоченного списка шагов.
func (c *Client) CreateWorkflow(name string, steps []string) (*WorkflowResponse, error) {
	req := CreateWorkflowRequest{Name: name}
	req.Definition.Steps = steps

	var wf WorkflowResponse
	err := c.post("/api/v1/workflows", req, &wf)
	return &wf, err
}

// GetWorkflow возвращает workflow по ID.
func (c *Client) GetWorkflow(id string) (*WorkflowResponse, error) {
	var wf WorkflowResponse
	err := c.get("/api/v1/workflows/"+url.PathEscape(id), &wf)
	return &wf, err
}

// StartWorkflow запускает экземпляр workflow.
func (c *Client) StartWorkflow(workflowID string, payload map[string]any) (*InstanceResponse, error) {
	var inst InstanceResponse
	err := c.post("/api/v1/workflows/"+url.PathEscape(workflowID)+"/start", StartWorkflowRequest{Payload: payload}, &inst)
	return &inst, err
}

// --- Instances ---

// ListInstances возвращает экземпляры с фильтрацией.
func (c *Client) ListInstances(opts ListInstancesOpts) ([]InstanceResponse, error) {
	params := url.Values{}
	if opts.WorkflowID != "" {
		params.Set("workflow_id", opts.WorkflowID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var instances []InstanceResponse
	err := c.list("/api/v1/instances", params, &instances)
	return instances, err
}

// GetInstance возвращает экземпляр вместе с tasks.
func (c *Client) GetInstance(id string) (*InstanceResponse, error) {
	var inst InstanceResponse
	err := c.get("/api/v1/instances/"+url.PathEscape(id), &inst)
	return &inst, err
}

// CancelInstance отменяет экземпляр.
func (c *Client) CancelInstance(id string) (*CancelResponse, error) {
	var resp CancelResponse
	err := c.post("/api/v1/instances/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return &resp, err
}

// CompensateInstance синхронно откатывает экземпляр.
func (c *Client) CompensateInstance(id string) (*InstanceResponse, error) {
	var inst InstanceResponse
	err := c.post("/api/v1/instances/"+url.PathEscape(id)+"/compensate", nil, &inst)
	return &inst, err
}

// --- Tasks ---

// GetTask возвращает task по ID.
func (c *Client) GetTask(id string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.get("/api/v1/tasks/"+url.PathEscape(id), &task)
	return &task, err
}

// ListTaskLogs возвращает журнал task.
func (c *Client) ListTaskLogs(id string) ([]TaskLogResponse, error) {
	var logs []TaskLogResponse
	err := c.list("/api/v1/tasks/"+url.PathEscape(id)+"/logs", nil, &logs)
	return logs, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// APIError — ошибка, возвращённая API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return &APIError{Status: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
}
