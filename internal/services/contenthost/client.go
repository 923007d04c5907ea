package contenthost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scormsync/internal/config"
	"scormsync/internal/logging"
	"scormsync/internal/services"
)

const errorBodyLimit = 4 << 10

// HTTPDoer describes the HTTP client used by the registration client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Course is the remote side of a successful registration.
type Course struct {
	RemoteID string `json:"id"`
	EntryURL string `json:"entry_url"`
}

// Client talks to the Package Registration Service.
type Client struct {
	baseURL string
	appID   string
	secret  string
	client  HTTPDoer
	logger  *slog.Logger
}

// New constructs a client. A nil doer uses an http.Client with the given timeout.
func New(baseURL, appID, secret string, timeout time.Duration, doer HTTPDoer, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, services.Wrap(services.ErrConfiguration, "contenthost", "init", "content_host.base_url is not set", nil)
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "contenthost", "init", "invalid content_host.base_url", err)
	}
	if doer == nil {
		doer = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: base,
		appID:   strings.TrimSpace(appID),
		secret:  strings.TrimSpace(secret),
		client:  doer,
		logger:  logging.NewComponentLogger(logger, "contenthost"),
	}, nil
}

// NewFromConfig builds a client from the [content_host] section.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "contenthost", "init", "config is required", nil)
	}
	timeout := time.Duration(cfg.ContentHost.TimeoutSeconds) * time.Second
	return New(cfg.ContentHost.BaseURL, cfg.ContentHost.AppID, cfg.ContentHost.SecretKey, timeout, nil, logger)
}

// Register uploads the package at filePath under courseID. Calling it again
// with the same courseID replaces the remote course's content.
func (c *Client) Register(ctx context.Context, filePath, courseID, title string) (Course, error) {
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		return Course{}, services.Wrap(services.ErrValidation, "contenthost", "register", "course id is required", nil)
	}
	file, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Course{}, services.Wrap(services.ErrNotFound, "contenthost", "register", "package file missing", err)
		}
		return Course{}, services.Wrap(services.ErrResource, "contenthost", "register", "open package file", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Course{}, services.Wrap(services.ErrResource, "contenthost", "register", "stat package file", err)
	}
	if info.Size() == 0 {
		return Course{}, services.Wrap(services.ErrValidation, "contenthost", "register", "package file is empty", nil)
	}

	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		writer.CloseWithError(writeForm(form, file, filepath.Base(filePath), title))
	}()

	endpoint := fmt.Sprintf("%s/courses/%s/import", c.baseURL, url.PathEscape(courseID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		body.CloseWithError(err)
		return Course{}, fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	started := time.Now()
	c.logger.Debug("registering package",
		logging.String("course_id", courseID),
		logging.String("size", logging.FormatBytes(info.Size())),
	)

	resp, err := c.client.Do(req)
	if err != nil {
		body.CloseWithError(err)
		return Course{}, fmt.Errorf("register course %s: %w", courseID, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return Course{}, err
	}

	var course Course
	if err := json.NewDecoder(resp.Body).Decode(&course); err != nil {
		return Course{}, fmt.Errorf("decode register response: %w", err)
	}
	if strings.TrimSpace(course.RemoteID) == "" {
		course.RemoteID = courseID
	}
	c.logger.Info("package registered",
		logging.String("course_id", courseID),
		logging.String("remote_id", course.RemoteID),
		logging.Duration("elapsed", time.Since(started)),
	)
	return course, nil
}

// DeleteCourse removes a remote course. It reports false when the course did
// not exist.
func (c *Client) DeleteCourse(ctx context.Context, remoteID string) (bool, error) {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return false, services.Wrap(services.ErrValidation, "contenthost", "delete", "remote id is required", nil)
	}
	endpoint := fmt.Sprintf("%s/courses/%s", c.baseURL, url.PathEscape(remoteID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build delete request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("delete course %s: %w", remoteID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err := statusError(resp); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.appID != "" || c.secret != "" {
		req.SetBasicAuth(c.appID, c.secret)
	}
}

func writeForm(form *multipart.Writer, file io.Reader, filename, title string) error {
	if err := form.WriteField("title", strings.TrimSpace(title)); err != nil {
		return err
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("stream package: %w", err)
	}
	return form.Close()
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	message := strings.TrimSpace(string(payload))
	var decoded struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(payload, &decoded) == nil {
		if decoded.Message != "" {
			message = decoded.Message
		} else if decoded.Error != "" {
			message = decoded.Error
		}
	}
	return &services.StatusError{Code: resp.StatusCode, Message: message}
}
