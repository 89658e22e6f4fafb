package imageapi

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

const (
	MaxPromptLength = 1000
	MaxImages       = 4
	MinImages       = 1
	DefaultSize     = "1x1"
	DefaultTier     = "standard"
	DefaultQuality  = "standard"
	// AutoSize 图生图不指定尺寸，记录为 auto
	AutoSize = "auto"
)

// ratioToPixels 比例到像素的映射（以 1024 为基准）
var ratioToPixels = map[string]string{
	"1x1":  "1024x1024",
	"4x3":  "1024x768",
	"3x4":  "768x1024",
	"16x9": "1792x1024",
	"9x16": "1024x1792",
	"2x3":  "768x1152",
	"3x2":  "1152x768",
}

// allowedImageTypes 上传图片允许的 MIME 类型，按文件内容判断而不是信任客户端
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// TextToImageParams are the raw caller inputs for a text-to-image call.
type TextToImageParams struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model,omitempty"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	N       int    `json:"n,omitempty"`
}

// ImageFile is one uploaded input image.
type ImageFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

type ImageToImageParams struct {
	Prompt string
	Model  string
	N      int
	Images []ImageFile
}

// TextToImageRequest is the validated JSON body sent upstream.
type TextToImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	Quality        string `json:"quality"`
	ResponseFormat string `json:"response_format"`
}

// ImageToImageRequest is the validated multipart payload.
type ImageToImageRequest struct {
	Model  string
	Prompt string
	N      int
	Images []ImageFile
}

// Catalog resolves quality tiers to upstream model ids.
type Catalog struct {
	tiers map[string]string
}

// NewCatalog builds a catalog from a tier to model id mapping such as
// {"standard": "nano-banana", "hd": "nano-banana-hd"}.
func NewCatalog(tiers map[string]string) *Catalog {
	c := &Catalog{tiers: make(map[string]string, len(tiers))}
	for tier, model := range tiers {
		c.tiers[strings.ToLower(tier)] = model
	}
	return c
}

// ResolveModel accepts a tier name or an upstream model id. Empty means the
// default tier.
func (c *Catalog) ResolveModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultTier
	}
	if id, ok := c.tiers[strings.ToLower(model)]; ok {
		return id, nil
	}
	for _, id := range c.tiers {
		if id == model {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %q, use one of %s", ErrInvalidModel, model, strings.Join(c.Tiers(), ", "))
}

// Tiers lists the configured tier names.
func (c *Catalog) Tiers() []string {
	out := make([]string, 0, len(c.tiers))
	for tier := range c.tiers {
		out = append(out, tier)
	}
	sort.Strings(out)
	return out
}

// Models lists the upstream model ids keyed by tier.
func (c *Catalog) Models() map[string]string {
	out := make(map[string]string, len(c.tiers))
	for k, v := range c.tiers {
		out[k] = v
	}
	return out
}

// Sizes lists the accepted aspect ratios with their pixel dimensions.
func Sizes() map[string]string {
	out := make(map[string]string, len(ratioToPixels))
	for k, v := range ratioToPixels {
		out[k] = v
	}
	return out
}

// ConvertRatio maps an aspect ratio such as "16x9" to "1792x1024".
func ConvertRatio(ratio string) (string, error) {
	if ratio == "" {
		ratio = DefaultSize
	}
	px, ok := ratioToPixels[ratio]
	if !ok {
		keys := make([]string, 0, len(ratioToPixels))
		for k := range ratioToPixels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", fmt.Errorf("%w: %q, use one of %s", ErrInvalidSize, ratio, strings.Join(keys, ", "))
	}
	return px, nil
}

// ClampN keeps the image count within [1, 4].
func ClampN(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxImages {
		return MaxImages
	}
	return n
}

func validatePrompt(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidPrompt)
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLength {
		return "", fmt.Errorf("%w: prompt too long (max %d characters)", ErrInvalidPrompt, MaxPromptLength)
	}
	return prompt, nil
}

// ValidateTextToImage checks p and produces the upstream request.
func (c *Catalog) ValidateTextToImage(p TextToImageParams) (TextToImageRequest, error) {
	prompt, err := validatePrompt(p.Prompt)
	if err != nil {
		return TextToImageRequest{}, err
	}
	model, err := c.ResolveModel(p.Model)
	if err != nil {
		return TextToImageRequest{}, err
	}
	size, err := ConvertRatio(p.Size)
	if err != nil {
		return TextToImageRequest{}, err
	}
	quality := strings.TrimSpace(p.Quality)
	if quality == "" {
		quality = DefaultQuality
	}
	return TextToImageRequest{
		Model:          model,
		Prompt:         prompt,
		N:              ClampN(p.N),
		Size:           size,
		Quality:        quality,
		ResponseFormat: "url",
	}, nil
}

// ValidateImageToImage checks p, including the number and type of images.
func (c *Catalog) ValidateImageToImage(p ImageToImageParams) (ImageToImageRequest, error) {
	if len(p.Images) > MaxImages {
		return ImageToImageRequest{}, fmt.Errorf("%w: got %d", ErrTooManyImages, len(p.Images))
	}
	if len(p.Images) < MinImages {
		return ImageToImageRequest{}, ErrMissingImage
	}
	prompt, err := validatePrompt(p.Prompt)
	if err != nil {
		return ImageToImageRequest{}, err
	}
	model, err := c.ResolveModel(p.Model)
	if err != nil {
		return ImageToImageRequest{}, err
	}

	images := make([]ImageFile, 0, len(p.Images))
	for i, img := range p.Images {
		if len(img.Data) == 0 {
			return ImageToImageRequest{}, fmt.Errorf("%w: image %d is empty", ErrInvalidImageFormat, i+1)
		}
		detected := mimetype.Detect(img.Data)
		if !allowedImageTypes[detected.String()] {
			return ImageToImageRequest{}, fmt.Errorf("%w: image %d is %s", ErrInvalidImageFormat, i+1, detected.String())
		}
		name := img.Filename
		if name == "" {
			name = fmt.Sprintf("image_%d%s", i+1, detected.Extension())
		}
		images = append(images, ImageFile{Filename: name, ContentType: detected.String(), Data: img.Data})
	}

	return ImageToImageRequest{
		Model:  model,
		Prompt: prompt,
		N:      ClampN(p.N),
		Images: images,
	}, nil
}
