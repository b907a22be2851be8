package engine

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	log "github.com/sirupsen/logrus"

	"drospect/pkg/retry"
)

// ImageSource is one image to send to the engine. Open is called once per
// upload attempt, so each attempt reads the image afresh.
type ImageSource interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Upload runs the three-phase streaming upload: init, batched image posts,
// commit. A batch that exhausts its attempts aborts with *UploadError.
func (c *Client) Upload(ctx context.Context, taskID string, req InitRequest, images []ImageSource) error {
	logger := log.WithFields(log.Fields{"component": "upload", "task_id": taskID})

	req.ZipURL = ""
	if err := c.Init(ctx, taskID, req); err != nil {
		return fmt.Errorf("init task: %w", err)
	}

	batches := chunk(images, c.cfg.BatchSize)
	for i, batch := range batches {
		n := i + 1
		err := retry.Do(ctx, retry.Config{
			MaxAttempts: c.cfg.BatchAttempts,
			Backoff:     retry.Fixed(c.cfg.BatchRetryDelay),
			OnRetry: func(attempt int, err error) {
				logger.WithFields(log.Fields{"batch": n, "attempt": attempt}).WithError(err).Warn("image batch failed, retrying")
			},
		}, func(int) error {
			return c.uploadBatch(ctx, taskID, batch)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &UploadError{Batch: n, Batches: len(batches), Attempts: c.cfg.BatchAttempts, Err: err}
		}
		logger.WithFields(log.Fields{"batch": n, "batches": len(batches), "images": len(batch)}).Debug("image batch uploaded")
	}

	if err := c.Commit(ctx, taskID); err != nil {
		return fmt.Errorf("commit task: %w", err)
	}
	logger.WithField("images", len(images)).Info("upload committed")
	return nil
}

// StartFromArchive is the fast path: the engine downloads zipURL itself.
func (c *Client) StartFromArchive(ctx context.Context, taskID string, req InitRequest, zipURL string) error {
	req.ZipURL = zipURL
	if err := c.Init(ctx, taskID, req); err != nil {
		return fmt.Errorf("init task from archive: %w", err)
	}
	if err := c.Commit(ctx, taskID); err != nil {
		return fmt.Errorf("commit task: %w", err)
	}
	return nil
}

// uploadBatch posts one multipart body built on the fly; images are copied
// into the pipe as the request is written.
func (c *Client) uploadBatch(ctx context.Context, taskID string, batch []ImageSource) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeParts(ctx, mw, batch))
	}()

	var out successResponse
	resp, err := c.transfer.R().
		SetContext(ctx).
		SetHeader("Content-Type", mw.FormDataContentType()).
		SetBody(pr).
		SetResult(&out).
		SetError(&out).
		Post("/task/new/upload/" + taskID)
	// unblocks the writer if the request ended before consuming the body
	_ = pr.CloseWithError(io.ErrClosedPipe)

	return check("upload", resp, err, out.Error)
}

func writeParts(ctx context.Context, mw *multipart.Writer, batch []ImageSource) error {
	for _, src := range batch {
		if err := writePart(ctx, mw, src); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writePart(ctx context.Context, mw *multipart.Writer, src ImageSource) error {
	rc, err := src.Open(ctx)
	if err != nil {
		return fmt.Errorf("open image %s: %w", src.Name(), err)
	}
	defer rc.Close()

	part, err := mw.CreateFormFile("images", src.Name())
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("copy image %s: %w", src.Name(), err)
	}
	return nil
}

func chunk(images []ImageSource, size int) [][]ImageSource {
	var out [][]ImageSource
	for size < len(images) {
		images, out = images[size:], append(out, images[:size:size])
	}
	if len(images) > 0 {
		out = append(out, images)
	}
	return out
}

// URLSource streams a remote image without buffering it.
func (c *Client) URLSource(name, url string) ImageSource {
	return &urlSource{client: c, name: name, url: url}
}

type urlSource struct {
	client *Client
	name   string
	url    string
}

func (s *urlSource) Name() string { return s.name }

func (s *urlSource) Open(ctx context.Context) (io.ReadCloser, error) {
	resp, err := s.client.fetch.R().SetContext(ctx).SetDoNotParseResponse(true).Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.url, err)
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		body.Close()
		return nil, fmt.Errorf("fetch %s: HTTP %d", s.url, resp.StatusCode())
	}
	return body, nil
}
