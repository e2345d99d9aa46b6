package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"crawl-scheduler/internal/config"
	"crawl-scheduler/internal/models"
)

type coverUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// CoverHandler generates series cover thumbnails: it downloads the
// cover image a crawl discovered, scales it down, and uploads the
// result to S3 (or the local filesystem in development).
type CoverHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      coverUploader
	s3         coverUploader
}

// coverJobPayload is the options blob for cover-thumbnail jobs.
type coverJobPayload struct {
	CoverURL  string `json:"cover_url"`
	SeriesID  string `json:"series_id"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	OutputKey string `json:"output_key"`
}

// NewCoverHandler constructs the handler, wiring S3 only when a bucket
// is configured.
func NewCoverHandler(ctx context.Context, cfg config.Config) (*CoverHandler, error) {
	var s3Upload coverUploader
	if cfg.ThumbS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ThumbS3Bucket}
	}
	return &CoverHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.ThumbTimeout},
		local:      &localUploader{baseDir: cfg.ThumbOutputDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ThumbS3Region),
	}
	if cfg.ThumbS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ThumbS3Endpoint,
					HostnameImmutable: cfg.ThumbS3PathStyle,
					SigningRegion:     cfg.ThumbS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ThumbS3PathStyle
	}), nil
}

// Handle downloads, scales, and uploads one cover thumbnail.
func (h *CoverHandler) Handle(ctx context.Context, job models.Job) (json.RawMessage, error) {
	payload, err := h.decodePayload(job)
	if err != nil {
		return nil, err
	}

	data, contentType, err := h.download(ctx, payload.CoverURL)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode cover: %w", err)
	}

	img = imaging.Resize(img, payload.Width, payload.Height, imaging.Lanczos)

	outputFormat := chooseFormat(payload.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	key := payload.OutputKey
	if key == "" {
		key = fmt.Sprintf("covers/%s.%s", payload.SeriesID, formatExtension(outputFormat))
	}
	key = sanitizeKey(key)

	location, err := h.uploader().Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return nil, fmt.Errorf("upload thumbnail: %w", err)
	}

	return json.Marshal(map[string]string{"location": location})
}

func (h *CoverHandler) decodePayload(job models.Job) (coverJobPayload, error) {
	payload := coverJobPayload{Width: h.cfg.ThumbDefaultWidth}
	if err := json.Unmarshal(job.Options, &payload); err != nil {
		return payload, fmt.Errorf("decode cover payload: %w", err)
	}
	if payload.CoverURL == "" {
		return payload, errors.New("cover_url is required")
	}
	if payload.SeriesID == "" && payload.OutputKey == "" {
		return payload, errors.New("series_id or output_key is required")
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = h.cfg.ThumbDefaultWidth
	}
	return payload, nil
}

func (h *CoverHandler) uploader() coverUploader {
	if h.s3 != nil {
		return h.s3
	}
	return h.local
}

func (h *CoverHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download cover: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download cover: status %d", resp.StatusCode)
	}

	limit := h.cfg.ThumbMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read cover: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("cover too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func formatExtension(format imaging.Format) string {
	if format == imaging.PNG {
		return "png"
	}
	return "jpg"
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	if strings.EqualFold(decodeFormat, "png") || strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	if format == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
