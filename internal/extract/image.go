package extract

import (
	"context"
	"errors"
	"strings"

	"github.com/notevec/notevec/internal/ollama"
)

// Captioner produces a text description of an image.
type Captioner interface {
	Caption(ctx context.Context, image []byte) (string, error)
}

// Image makes image attachments searchable by captioning them with a
// vision model.
type Image struct {
	Captioner Captioner
}

func (e Image) Extract(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty image payload")
	}
	caption, err := e.Captioner.Caption(ctx, data)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(caption), nil
}

const captionPrompt = "Describe this image in a few sentences. Quote any visible text verbatim."

// VisionCaptioner captions images with a local multimodal model.
type VisionCaptioner struct {
	client *ollama.Client
	model  string
}

// NewVisionCaptioner creates a captioner backed by the given Ollama
// model.
func NewVisionCaptioner(c *ollama.Client, model string) *VisionCaptioner {
	return &VisionCaptioner{client: c, model: model}
}

func (v *VisionCaptioner) Caption(ctx context.Context, image []byte) (string, error) {
	return v.client.Describe(ctx, v.model, captionPrompt, image)
}
