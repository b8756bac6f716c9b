package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"clip-orchestrator/internal/models"
)

// Publisher uploads a finished clip and a thumbnail cut from its cover frame.
type Publisher struct {
	uploader    Uploader
	thumbWidth  int
	thumbHeight int
}

func NewPublisher(u Uploader, thumbWidth, thumbHeight int) *Publisher {
	if thumbWidth <= 0 && thumbHeight <= 0 {
		thumbWidth, thumbHeight = 1280, 720
	}
	return &Publisher{uploader: u, thumbWidth: thumbWidth, thumbHeight: thumbHeight}
}

// Published describes uploaded objects. ClipRef is what the job stores as result_ref.
type Published struct {
	ClipRef  string
	ThumbRef string
}

// Publish uploads clipPath under jobID/ and, when coverPath is not empty, a JPEG thumbnail.
// A missing or undecodable clip is a validation error; upload failures are transient.
func (p *Publisher) Publish(ctx context.Context, jobID, clipPath, coverPath string) (Published, error) {
	clip, err := os.Open(clipPath)
	if err != nil {
		return Published{}, models.Validation(fmt.Errorf("open clip: %w", err))
	}
	defer clip.Close()

	var out Published
	key := filepath.ToSlash(filepath.Join(jobID, filepath.Base(clipPath)))
	out.ClipRef, err = p.uploader.Upload(ctx, key, clip, contentType(clipPath))
	if err != nil {
		return Published{}, models.Transient(fmt.Errorf("upload clip: %w", err))
	}

	if coverPath == "" {
		return out, nil
	}
	thumb, err := p.thumbnail(coverPath)
	if err != nil {
		return Published{}, err
	}
	out.ThumbRef, err = p.uploader.Upload(ctx, jobID+"/thumb.jpg", bytes.NewReader(thumb), "image/jpeg")
	if err != nil {
		return Published{}, models.Transient(fmt.Errorf("upload thumbnail: %w", err))
	}
	return out, nil
}

func (p *Publisher) thumbnail(coverPath string) ([]byte, error) {
	f, err := os.Open(coverPath)
	if err != nil {
		return nil, models.Validation(fmt.Errorf("open cover: %w", err))
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, models.Validation(fmt.Errorf("decode cover: %w", err))
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return nil, models.Validation(errors.New("cover has no pixels"))
	}

	if p.thumbWidth > 0 && p.thumbHeight > 0 {
		img = imaging.Fill(img, p.thumbWidth, p.thumbHeight, imaging.Center, imaging.Lanczos)
	} else {
		img = imaging.Resize(img, p.thumbWidth, p.thumbHeight, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, models.Fatal(fmt.Errorf("encode thumbnail: %w", err))
	}
	return buf.Bytes(), nil
}

func contentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
