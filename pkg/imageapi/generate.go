package imageapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Image is one generated picture.
type Image struct {
	URL           string `json:"url"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// Result of a successful generation call.
type Result struct {
	Images         []Image
	ModelUsed      string
	Prompt         string
	Size           string
	Attempts       int
	GenerationTime time.Duration
	Timing         Timing
}

type generationResponse struct {
	Data *[]struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

// parseImages 解析 data 数组，跳过没有 url 的条目；一个 url 都没有视为格式错误
func parseImages(body []byte) ([]Image, *Error) {
	var resp generationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: KindInvalidResponseFormat, Message: "response is not valid JSON", Err: err}
	}
	if resp.Data == nil {
		return nil, &Error{Kind: KindInvalidResponseFormat, Message: "response has no data array"}
	}
	images := make([]Image, 0, len(*resp.Data))
	for _, item := range *resp.Data {
		if item.URL == "" {
			continue
		}
		images = append(images, Image{URL: item.URL, RevisedPrompt: item.RevisedPrompt})
	}
	if len(images) == 0 {
		return nil, &Error{Kind: KindInvalidResponseFormat, Message: "response contains no image urls"}
	}
	return images, nil
}

type call struct {
	userID    int64
	operation string
	model     string
	prompt    string
	size      string
	path      string
	payload   payload
}

// run fetches credentials, performs the call and reports the observation.
func (c *Client) run(ctx context.Context, started time.Time, cl call) (*Result, error) {
	obs := Observation{
		UserID:       cl.userID,
		Operation:    cl.operation,
		Model:        cl.model,
		PromptLength: utf8.RuneCountInString(cl.prompt),
		ImageSize:    cl.size,
	}
	defer func() {
		obs.Timing.Total = c.now().Sub(started)
		c.observer.ObserveGeneration(ctx, obs)
	}()
	fail := func(err *Error) (*Result, error) {
		obs.Success = false
		obs.ErrorType = err.MetricType()
		obs.ErrorMessage = err.Error()
		return nil, err
	}

	creds, credErr := c.credentials(ctx)
	if credErr != nil {
		return fail(credErr)
	}

	obs.Timing.Queue = c.now().Sub(started)
	res, callErr := c.doWithRetry(ctx, creds, endpoint(creds.BaseURL, cl.path), cl.payload)
	obs.Attempts = res.attempts
	obs.Timing.Upstream = res.upstream
	obs.Timing.Connect = res.last.connect
	obs.Timing.Read = res.last.read
	if callErr != nil {
		return fail(callErr)
	}

	images, perr := parseImages(res.body)
	if perr != nil {
		perr.Attempts = res.attempts
		c.logger.Error("upstream returned malformed body", zap.String("operation", cl.operation), zap.Error(perr))
		return fail(perr)
	}

	obs.Success = true
	obs.ImageCount = len(images)
	elapsed := c.now().Sub(started)
	c.logger.Info("generation succeeded",
		zap.Int64("user_id", cl.userID),
		zap.String("operation", cl.operation),
		zap.String("model", cl.model),
		zap.Int("images", len(images)),
		zap.Int("attempts", res.attempts),
		zap.Duration("upstream", res.upstream),
	)
	return &Result{
		Images:         images,
		ModelUsed:      cl.model,
		Prompt:         cl.prompt,
		Size:           cl.size,
		Attempts:       res.attempts,
		GenerationTime: elapsed,
		Timing: Timing{
			Queue:    obs.Timing.Queue,
			Connect:  res.last.connect,
			Read:     res.last.read,
			Upstream: res.upstream,
			Total:    elapsed,
		},
	}, nil
}

// GenerateTextToImage validates p and posts it as JSON to v1/images/generations.
func (c *Client) GenerateTextToImage(ctx context.Context, userID int64, p TextToImageParams) (*Result, error) {
	started := c.now()
	req, err := c.catalog.ValidateTextToImage(p)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return c.run(ctx, started, call{
		userID:    userID,
		operation: OperationTextToImage,
		model:     req.Model,
		prompt:    req.Prompt,
		size:      req.Size,
		path:      generationsPath,
		payload:   payload{contentType: "application/json", body: body},
	})
}

// GenerateImageToImage validates p and posts it as multipart form to
// v1/images/edits with one image[] part per input image.
func (c *Client) GenerateImageToImage(ctx context.Context, userID int64, p ImageToImageParams) (*Result, error) {
	started := c.now()
	req, err := c.catalog.ValidateImageToImage(p)
	if err != nil {
		return nil, err
	}
	body, contentType, err := encodeMultipart(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode multipart payload: %w", err)
	}
	return c.run(ctx, started, call{
		userID:    userID,
		operation: OperationImageToImage,
		model:     req.Model,
		prompt:    req.Prompt,
		size:      AutoSize,
		path:      editsPath,
		payload:   payload{contentType: contentType, body: body},
	})
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeMultipart(req ImageToImageRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"model", req.Model},
		{"prompt", req.Prompt},
		{"n", strconv.Itoa(req.N)},
		{"response_format", "url"},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	for _, img := range req.Images {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image[]"; filename="%s"`, quoteEscaper.Replace(img.Filename)))
		h.Set("Content-Type", img.ContentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
