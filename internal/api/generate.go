package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nerdneilsfield/imagegen-broker/internal/broker"
	"github.com/nerdneilsfield/imagegen-broker/pkg/imageapi"
)

// imageFields 兼容旧客户端使用的 image 字段
var imageFields = []string{"images[]", "images", "image"}

type generateResponse struct {
	*broker.Result
	Message string `json:"message,omitempty"`
}

func (s *Server) respondGenerated(c *gin.Context, res *broker.Result) {
	out := generateResponse{Result: res}
	if res.Degraded && len(res.Warnings) > 0 {
		out.Message = s.t(c, "warning_degraded", len(res.Warnings), "Count", len(res.Warnings))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) textToImage(c *gin.Context) {
	var p imageapi.TextToImageParams
	if err := c.ShouldBindJSON(&p); err != nil {
		s.badRequest(c, "request body must be a JSON object")
		return
	}
	res, err := s.broker.TextToImage(c.Request.Context(), userID(c), p)
	if err != nil {
		s.respondBrokerError(c, err)
		return
	}
	s.respondGenerated(c, res)
}

func (s *Server) imageToImage(c *gin.Context) {
	if c.Request.ContentLength > s.cfg.MaxUploadBytes {
		s.uploadTooLarge(c)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.uploadTooLarge(c)
			return
		}
		s.badRequest(c, "expected multipart form data")
		return
	}
	defer form.RemoveAll()

	p := imageapi.ImageToImageParams{
		Prompt: formValue(form, "prompt"),
		Model:  formValue(form, "model"),
	}
	if raw := formValue(form, "n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.badRequest(c, "n must be an integer")
			return
		}
		p.N = n
	}

	for _, field := range imageFields {
		for _, fh := range form.File[field] {
			img, err := readUpload(fh)
			if err != nil {
				s.badRequest(c, fmt.Sprintf("could not read upload %q", fh.Filename))
				return
			}
			p.Images = append(p.Images, img)
		}
	}

	res, err := s.broker.ImageToImage(c.Request.Context(), userID(c), p)
	if err != nil {
		s.respondBrokerError(c, err)
		return
	}
	s.respondGenerated(c, res)
}

func (s *Server) uploadTooLarge(c *gin.Context) {
	s.respondError(c, http.StatusRequestEntityTooLarge, string(broker.CodeInvalidInput),
		s.t(c, "error_invalid_input", "Detail", fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes)), nil)
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func readUpload(fh *multipart.FileHeader) (imageapi.ImageFile, error) {
	f, err := fh.Open()
	if err != nil {
		return imageapi.ImageFile{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return imageapi.ImageFile{}, err
	}
	return imageapi.ImageFile{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":            s.upstream.Catalog().Models(),
		"sizes":             imageapi.Sizes(),
		"default_size":      imageapi.DefaultSize,
		"max_images":        imageapi.MaxImages,
		"max_prompt_length": imageapi.MaxPromptLength,
	})
}

func (s *Server) getCredits(c *gin.Context) {
	uid := userID(c)
	balance, err := s.ledger.Balance(c.Request.Context(), uid)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "credits": balance})
}

type creationView struct {
	ID             int64     `json:"id"`
	Prompt         string    `json:"prompt"`
	ImageURL       string    `json:"image_url"`
	RevisedPrompt  string    `json:"revised_prompt,omitempty"`
	ModelUsed      string    `json:"model_used"`
	Size           string    `json:"size"`
	GenerationTime float64   `json:"generation_time"`
	CreatedAt      time.Time `json:"created_at"`
}

// listCreations GET /api/v1/creations?limit=20
func (s *Server) listCreations(c *gin.Context) {
	limit, err := queryLimit(c, 20, 100)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}
	rows, err := s.gallery.ListByUser(c.Request.Context(), userID(c), limit)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	out := make([]creationView, 0, len(rows))
	for _, r := range rows {
		out = append(out, creationView{
			ID:             r.ID,
			Prompt:         r.Prompt,
			ImageURL:       r.ImageURL,
			RevisedPrompt:  r.RevisedPrompt,
			ModelUsed:      r.ModelUsed,
			Size:           r.Size,
			GenerationTime: r.GenerationTime,
			CreatedAt:      r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"creations": out})
}

func queryLimit(c *gin.Context, def, upper int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > upper {
		return 0, fmt.Errorf("limit must be between 1 and %d", upper)
	}
	return n, nil
}
