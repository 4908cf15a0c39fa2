// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdiddy/evidence-engine/internal/document"
	"github.com/pdiddy/evidence-engine/internal/httputil"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// DefaultPollInterval is the docling-serve task polling interval.
const DefaultPollInterval = 2 * time.Second

// DoclingServe converts PDFs through the docling-serve asynchronous API.
type DoclingServe struct {
	client *http.Client

	url          string
	token        string
	pollInterval time.Duration
}

// Option configures a DoclingServe client.
type Option func(*DoclingServe)

func WithClient(client *http.Client) Option {
	return func(c *DoclingServe) {
		c.client = client
	}
}

// WithToken sets the X-Api-Key sent with every request.
func WithToken(token string) Option {
	return func(c *DoclingServe) {
		c.token = token
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *DoclingServe) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewDoclingServe returns a client for the docling-serve instance at url.
func NewDoclingServe(url string, options ...Option) (*DoclingServe, error) {
	if url == "" {
		return nil, errors.New("docling-serve url is empty")
	}
	c := &DoclingServe{
		client:       http.DefaultClient,
		url:          strings.TrimRight(url, "/"),
		pollInterval: DefaultPollInterval,
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

func (c *DoclingServe) Name() string { return string(types.BackendDoclingServe) }

type taskStatus string

const (
	taskPending taskStatus = "pending"
	taskStarted taskStatus = "started"
	taskSuccess taskStatus = "success"
)

type taskResult struct {
	TaskID     string     `json:"task_id"`
	TaskStatus taskStatus `json:"task_status"`
}

type convertResult struct {
	Status string `json:"status"`

	Errors []struct {
		Message string `json:"error_message"`
	} `json:"errors"`

	Document struct {
		Filename string          `json:"filename"`
		JSON     json.RawMessage `json:"json_content"`
	} `json:"document"`
}

// Convert uploads the PDF, waits for the conversion task and parses the
// DoclingDocument it returns. OCR is disabled; papers from PMC carry a
// text layer.
func (c *DoclingServe) Convert(ctx context.Context, pdfPath string) (*types.Document, error) {
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", pdfPath, err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	file, err := w.CreateFormFile("files", filepath.Base(pdfPath))
	if err != nil {
		return nil, err
	}
	if _, err := file.Write(data); err != nil {
		return nil, err
	}
	for k, v := range map[string]string{
		"to_formats":        "json",
		"do_ocr":            "false",
		"image_export_mode": "placeholder",
	} {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/convert/file/async", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var task taskResult
	if err := c.do(req, &task); err != nil {
		return nil, fmt.Errorf("submitting %s: %w", filepath.Base(pdfPath), err)
	}
	if task.TaskID == "" {
		return nil, errors.New("docling-serve returned no task id")
	}

	if err := c.awaitTask(ctx, task.TaskID); err != nil {
		return nil, err
	}
	return c.readDocument(ctx, task.TaskID)
}

func (c *DoclingServe) awaitTask(ctx context.Context, taskID string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/v1/status/poll/"+taskID, nil)
		if err != nil {
			return err
		}
		var task taskResult
		if err := c.do(req, &task); err != nil {
			return fmt.Errorf("polling task %s: %w", taskID, err)
		}

		switch task.TaskStatus {
		case taskPending, taskStarted:
			continue
		case taskSuccess:
			return nil
		}
		return fmt.Errorf("docling task %s ended with status %q", taskID, task.TaskStatus)
	}
}

func (c *DoclingServe) readDocument(ctx context.Context, taskID string) (*types.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/v1/result/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	var result convertResult
	if err := c.do(req, &result); err != nil {
		return nil, fmt.Errorf("reading result of task %s: %w", taskID, err)
	}

	if result.Status != "success" && result.Status != "partial_success" {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("docling conversion %s: %s", result.Status, strings.Join(msgs, "; "))
	}
	if len(result.Document.JSON) == 0 || string(result.Document.JSON) == "null" {
		return nil, errors.New("docling result has no json content")
	}
	return document.ParseDocling(result.Document.JSON)
}

func (c *DoclingServe) do(req *http.Request, v any) error {
	if c.token != "" {
		req.Header.Set("X-Api-Key", c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httputil.DoWithRetry(req.Context(), c.client, req, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &httputil.StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode, Body: string(data)}
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
