// Package provider предоставляет клиент внешнего сервиса генеративного
// редактирования изображений.
//
// Протокол провайдера асинхронный: отправка изображения возвращает
// идентификатор задачи и URL для опроса, готовый результат скачивается
// по отдельному URL из ответа опроса.
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sethvargo/go-retry"
)

// ErrUnknownInstruction возвращается для ключа инструкции вне фиксированного набора.
var (
	ErrUnknownInstruction = errors.New("unknown instruction key")
	// ErrSubmitFailed возвращается при неуспешном ответе провайдера на отправку задачи.
	ErrSubmitFailed = errors.New("provider submit failed")
	// ErrInvalidResponse возвращается, если в ответе провайдера нет обязательных полей.
	ErrInvalidResponse = errors.New("invalid provider response format")
	// ErrJobFailed возвращается, если провайдер сообщил об ошибке обработки.
	ErrJobFailed = errors.New("provider reported job failure")
	// ErrTimeout возвращается, если результат не готов за отведённое число попыток опроса.
	ErrTimeout = errors.New("provider polling timeout")
)

// instructions сопоставляет ключи инструкций текстам запросов к провайдеру.
var instructions = map[string]string{
	"sticker":  "cut out the main subject and replace the background with white.",
	"line-art": "redraw the image as clean black and white line art.",
	"cartoon":  "redraw the image in a simple flat cartoon style.",
}

// KnownInstruction сообщает, входит ли ключ в фиксированный набор инструкций.
func KnownInstruction(key string) bool {
	_, ok := instructions[key]
	return ok
}

const (
	defaultPollInterval = 2 * time.Second
	defaultPollAttempts = 30
)

// Client инкапсулирует HTTP-взаимодействие с сервисом редактирования изображений.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	downloader *http.Client

	pollInterval time.Duration
	pollAttempts uint64
}

// NewClient создаёт клиент провайдера для указанного адреса и ключа API.
func NewClient(baseURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		downloader:   rc.StandardClient(),
		pollInterval: defaultPollInterval,
		pollAttempts: defaultPollAttempts,
	}
}

type submitRequest struct {
	Prompt     string `json:"prompt"`
	InputImage string `json:"input_image"`
}

type submitResponse struct {
	ID         string `json:"id"`
	PollingURL string `json:"polling_url"`
}

type pollResponse struct {
	Status string `json:"status"`
	Result struct {
		Sample string `json:"sample"`
	} `json:"result"`
}

// SubmitEdit отправляет изображение с инструкцией провайдеру и ждёт готовый результат.
// Возвращает байты обработанного изображения.
func (c *Client) SubmitEdit(ctx context.Context, image []byte, instructionKey string) ([]byte, error) {
	prompt, ok := instructions[instructionKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstruction, instructionKey)
	}

	pollingURL, err := c.submit(ctx, image, prompt)
	if err != nil {
		return nil, err
	}

	resultURL, err := c.poll(ctx, pollingURL)
	if err != nil {
		return nil, err
	}

	return c.download(ctx, resultURL)
}

func (c *Client) submit(ctx context.Context, image []byte, prompt string) (string, error) {
	body, err := json.Marshal(submitRequest{
		Prompt:     prompt,
		InputImage: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/flux-kontext", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrSubmitFailed, resp.StatusCode)
	}

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	if result.ID == "" || result.PollingURL == "" {
		return "", fmt.Errorf("%w: missing id or polling_url", ErrInvalidResponse)
	}

	return result.PollingURL, nil
}

// poll опрашивает провайдера с фиксированным интервалом до готовности результата.
// Сетевые ошибки отдельной попытки не прерывают опрос: цикл продолжается
// до потолка попыток, после чего возвращается ErrTimeout.
func (c *Client) poll(ctx context.Context, pollingURL string) (string, error) {
	var resultURL string

	// WithMaxRetries считает повторы после первой попытки, поэтому минус один.
	backoff := retry.WithMaxRetries(c.pollAttempts-1, retry.NewConstant(c.pollInterval))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		status, err := c.pollOnce(ctx, pollingURL)
		if err != nil {
			return retry.RetryableError(err)
		}

		switch status.Status {
		case "Ready":
			if status.Result.Sample == "" {
				return fmt.Errorf("%w: missing result url", ErrInvalidResponse)
			}
			resultURL = status.Result.Sample
			return nil
		case "Error", "Failed":
			return fmt.Errorf("%w: status %s", ErrJobFailed, status.Status)
		default:
			// Задача ещё выполняется.
			return retry.RetryableError(fmt.Errorf("job not ready: %s", status.Status))
		}
	})
	if err != nil {
		if errors.Is(err, ErrJobFailed) || errors.Is(err, ErrInvalidResponse) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return resultURL, nil
}

func (c *Client) pollOnce(ctx context.Context, pollingURL string) (*pollResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollingURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

func (c *Client) download(ctx context.Context, resultURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.downloader.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download status %d", ErrJobFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}

	return data, nil
}
