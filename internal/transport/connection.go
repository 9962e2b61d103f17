package transport

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/events"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
)

const (
	openRosaVersion = "1.0"

	// xmlSubmissionField is the multipart field name of the XML part.
	xmlSubmissionField = "xml_submission_file"

	// maxSizeHeader is the collector's advertised submission ceiling.
	maxSizeHeader = "X-OpenRosa-Accept-Content-Length"

	// absoluteMaxSize caps whatever ceiling the collector advertises
	// at 100 MiB.
	absoluteMaxSize = 100 * 1024 * 1024
)

// Connection talks to the collector: submissions, form definition and
// media fetches, connectivity checks. It tracks the last known online
// status and fires the online-status hook on flips.
type Connection struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
	bus     *events.Bus
	log     logging.Logger

	mu     sync.Mutex
	online bool
}

func NewConnection(baseURL string, timeout time.Duration, bus *events.Bus, log logging.Logger) *Connection {
	return &Connection{
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		bus:     bus,
		log:     log,
	}
}

// UploadRecord submits a record: prepares its batches and uploads them
// strictly sequentially. The returned failedFiles lists referenced
// attachments that had no binary content; they do not block the upload.
func (c *Connection) UploadRecord(ctx context.Context, record *models.Record, maxSize int64) ([]string, error) {
	batches, failedFiles := PrepareBatches(record, maxSize)
	for _, batch := range batches {
		if err := c.UploadBatch(ctx, batch); err != nil {
			if batch.Total > 1 {
				return failedFiles, fmt.Errorf("part %d of %d: %w", batch.Index+1, batch.Total, err)
			}
			return failedFiles, err
		}
	}
	return failedFiles, nil
}

// UploadBatch POSTs one multipart batch. The XML travels in the reserved
// field; every attachment part is named by its exact filename. A request
// exceeding the configured timeout is reported as ErrSubmissionTimeout.
func (c *Connection) UploadBatch(ctx context.Context, batch Batch) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	xmlPart, err := createFormFile(w, xmlSubmissionField, "submission.xml", "text/xml")
	if err != nil {
		return fmt.Errorf("failed to build submission body: %w", err)
	}
	if _, err := io.WriteString(xmlPart, batch.XML); err != nil {
		return fmt.Errorf("failed to build submission body: %w", err)
	}
	for _, f := range batch.Files {
		part, err := createFormFile(w, f.Name, f.Name, "application/octet-stream")
		if err != nil {
			return fmt.Errorf("failed to attach %q: %w", f.Name, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return fmt.Errorf("failed to attach %q: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to build submission body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submission", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-OpenRosa-Version", openRosaVersion)
	req.Header.Set("X-OpenRosa-Instance-Id", batch.InstanceID)
	if batch.DeprecatedID != "" {
		req.Header.Set("X-OpenRosa-Deprecated-Id", batch.DeprecatedID)
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	resp, err := c.client.Do(req)
	if err != nil {
		c.setOnline(false)
		if errors.Is(err, context.DeadlineExceeded) {
			return common.ErrSubmissionTimeout
		}
		return fmt.Errorf("%w: %v", common.ErrOffline, err)
	}
	defer resp.Body.Close()
	c.setOnline(true)

	if err := classifyStatus(resp); err != nil {
		return err
	}
	c.log.Debug(ctx, "batch uploaded", "instance_id", batch.InstanceID, "batch", batch.Index+1, "batches", batch.Total)
	return nil
}

// classifyStatus maps collector status codes onto the transport error
// taxonomy. A generic 400 body is scanned for an OpenRosa message which
// overrides the generic text.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		if msg := openRosaMessage(resp.Body); msg != "" {
			return fmt.Errorf("%w: %s", common.ErrSubmissionRejected, msg)
		}
		return common.ErrSubmissionRejected
	case resp.StatusCode == http.StatusUnauthorized:
		return common.ErrAuthRequired
	case resp.StatusCode == http.StatusForbidden:
		return common.ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		return common.ErrServiceNotFound
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return common.ErrSubmissionTooLarge
	case resp.StatusCode >= 500:
		return common.ErrServerDown
	default:
		return fmt.Errorf("%w: status %d", common.ErrSubmissionRejected, resp.StatusCode)
	}
}

// openRosaMessage extracts the first <message> element text from an
// OpenRosa response body, or "".
func openRosaMessage(body io.Reader) string {
	dec := xml.NewDecoder(io.LimitReader(body, 64<<10))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == "message" {
			var msg string
			if err := dec.DecodeElement(&msg, &start); err != nil {
				return ""
			}
			return strings.TrimSpace(msg)
		}
	}
}

// MaxSubmissionSize asks the collector for its submission ceiling. The
// advertised value is clamped to an absolute maximum; on any failure the
// fallback is returned.
func (c *Connection) MaxSubmissionSize(ctx context.Context, fallback int64) int64 {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/submission", nil)
	if err != nil {
		return fallback
	}
	req.Header.Set("X-OpenRosa-Version", openRosaVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return fallback
	}
	defer resp.Body.Close()

	size, err := strconv.ParseInt(resp.Header.Get(maxSizeHeader), 10, 64)
	if err != nil || size <= 0 {
		return fallback
	}
	return min(size, absoluteMaxSize)
}

// CheckOnline probes connectivity with a HEAD to the submission endpoint.
// Any response, even an error status, counts as online; only transport
// failure counts as offline.
func (c *Connection) CheckOnline(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/submission", nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-OpenRosa-Version", openRosaVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		c.setOnline(false)
		return false
	}
	_ = resp.Body.Close()
	c.setOnline(true)
	return true
}

// Online returns the result of the last connectivity observation.
func (c *Connection) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Connection) setOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	c.mu.Unlock()
	if changed {
		c.bus.OnlineStatus(online)
	}
}

// GetFormHash fetches the form's current content hash token.
func (c *Connection) GetFormHash(ctx context.Context, formID string) (string, error) {
	body, err := c.get(ctx, c.baseURL+"/formHash?formId="+url.QueryEscape(formID))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// formParts is the collector's full-fetch response shape.
type formParts struct {
	XMLName   xml.Name `xml:"form"`
	FormID    string   `xml:"formId,attr"`
	Title     string   `xml:"title"`
	Hash      string   `xml:"hash"`
	Version   string   `xml:"version"`
	Theme     string   `xml:"theme"`
	MaxSize   int64    `xml:"maxSize"`
	PublicKey string   `xml:"publicKey"`
	Markup    string   `xml:"markup"`
	Model     string   `xml:"model"`
	Media     []string `xml:"media>source"`
}

// GetForm fetches the full form definition.
func (c *Connection) GetForm(ctx context.Context, formID string) (*models.Survey, error) {
	body, err := c.get(ctx, c.baseURL+"/form?formId="+url.QueryEscape(formID))
	if err != nil {
		return nil, err
	}
	var parts formParts
	if err := xml.Unmarshal(body, &parts); err != nil {
		return nil, fmt.Errorf("failed to decode form definition: %w", err)
	}
	survey := &models.Survey{
		FormID:        parts.FormID,
		Title:         parts.Title,
		Form:          parts.Markup,
		Model:         parts.Model,
		Hash:          parts.Hash,
		Version:       parts.Version,
		Theme:         parts.Theme,
		MaxSize:       parts.MaxSize,
		EncryptionKey: parts.PublicKey,
		Resources:     parts.Media,
	}
	if survey.FormID == "" {
		survey.FormID = formID
	}
	if survey.Resources == nil {
		survey.Resources = []string{}
	}
	return survey, nil
}

// GetMediaFile fetches one media binary. Relative URLs resolve against
// the collector base URL.
func (c *Connection) GetMediaFile(ctx context.Context, mediaURL string) ([]byte, error) {
	target := mediaURL
	if strings.HasPrefix(target, "/") {
		target = c.baseURL + target
	}
	return c.get(ctx, target)
}

func (c *Connection) get(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-OpenRosa-Version", openRosaVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		c.setOnline(false)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, common.ErrSubmissionTimeout
		}
		return nil, fmt.Errorf("%w: %v", common.ErrOffline, err)
	}
	defer resp.Body.Close()
	c.setOnline(true)

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// createFormFile is multipart.Writer.CreateFormFile with a caller-chosen
// content type.
func createFormFile(w *multipart.Writer, field, filename, contentType string) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	return w.CreatePart(h)
}
