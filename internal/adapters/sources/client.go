package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"tg-source-bot/internal/domain"
	"tg-source-bot/internal/infra/metrics"
)

// ErrMissingCredentials возвращается конструктором провайдера без обязательных ключей.
var ErrMissingCredentials = errors.New("не заданы учётные данные провайдера")

const maxResponseBytes = 4 << 20

// httpClient выполняет запросы провайдеров и пишет сетевые метрики.
type httpClient struct {
	http      *http.Client
	baseURL   string
	userAgent string
	component string
}

func newHTTPClient(component, baseURL, userAgent string, timeout time.Duration) httpClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return httpClient{
		http:      &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		component: component,
	}
}

// postImage отправляет изображение multipart-формой и возвращает тело ответа.
func (c httpClient) postImage(ctx context.Context, path, field string, image domain.Image, header http.Header) ([]byte, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile(field, "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("%s: подготовка формы: %w", c.component, err)
	}
	if _, err := part.Write(image.Data); err != nil {
		return nil, fmt.Errorf("%s: запись изображения: %w", c.component, err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("%s: закрытие формы: %w", c.component, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.component, err)
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	return c.do(req, "search")
}

// get выполняет GET и возвращает тело ответа.
func (c httpClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.component, err)
	}
	return c.do(req, "page")
}

func (c httpClient) do(req *http.Request, operation string) ([]byte, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest(c.component, operation, req.URL.Host, start, err)
		return nil, fmt.Errorf("%s: do request: %w", c.component, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.ObserveNetworkRequest(c.component, operation, req.URL.Host, start, err)
		return nil, fmt.Errorf("%s: read response: %w", c.component, err)
	}
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("%s: unexpected status %d", c.component, resp.StatusCode)
		metrics.ObserveNetworkRequest(c.component, operation, req.URL.Host, start, err)
		return nil, err
	}
	metrics.ObserveNetworkRequest(c.component, operation, req.URL.Host, start, nil)
	return body, nil
}

// Disabled заменяет провайдер, выключенный конфигурацией. Не делает запросов.
type Disabled struct {
	name   string
	reason error
}

// NewDisabled создаёт выключенный провайдер.
func NewDisabled(name string, reason error) *Disabled {
	return &Disabled{name: name, reason: reason}
}

// Name возвращает имя провайдера.
func (d *Disabled) Name() string { return d.name }

// Disabled сообщает оркестратору, что провайдер не опрашивается.
func (d *Disabled) Disabled() bool { return true }

// Reason возвращает причину отключения.
func (d *Disabled) Reason() error { return d.reason }

// Lookup всегда возвращает статус disabled.
func (d *Disabled) Lookup(context.Context, domain.Image) domain.ProviderResult {
	return domain.ProviderResult{Provider: d.name, Status: domain.ResultDisabled, Err: d.reason}
}

func errorResult(provider string, start time.Time, err error) domain.ProviderResult {
	return domain.ProviderResult{Provider: provider, Status: domain.ResultError, Err: err, Latency: time.Since(start)}
}
