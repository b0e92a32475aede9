package generation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	ctxpkg "github.com/stupiduntilnot/verabot/internal/context"
)

// ImagePayload is the image found in an image-model response. It is one of
// NoImage, InlineBase64, DataURI or RemoteURL.
type ImagePayload interface {
	imagePayload()
}

// NoImage means the response carried no recognizable image.
type NoImage struct{}

// InlineBase64 is a bare base64 payload.
type InlineBase64 struct{ Data string }

// DataURI is a "data:<media type>;base64,<data>" string.
type DataURI struct {
	MediaType string
	Data      string
}

// RemoteURL must be fetched to obtain the image.
type RemoteURL struct{ URL string }

func (NoImage) imagePayload()      {}
func (InlineBase64) imagePayload() {}
func (DataURI) imagePayload()      {}
func (RemoteURL) imagePayload()    {}

// Fetcher downloads a remote image.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type httpFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher returns a Fetcher bounded by timeout and maxBytes.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) Fetcher {
	return &httpFetcher{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("image fetch request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image fetch status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("image fetch read: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("image larger than %d bytes", f.maxBytes)
	}
	return data, nil
}

type imageResponse struct {
	Content json.RawMessage `json:"content"`
	Image   string          `json:"image"`
	Images  []struct {
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	} `json:"images"`
}

var markdownImage = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^)\s]+)\)`)

// DecodeImagePayload classifies the image in a raw response message. The
// message text is passed separately because providers flatten it
// differently.
func DecodeImagePayload(raw json.RawMessage, content string) ImagePayload {
	var msg imageResponse
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &msg)
	}
	for _, img := range msg.Images {
		if p := classifyRef(img.ImageURL.URL); p != nil {
			return p
		}
	}
	if s := strings.TrimSpace(msg.Image); s != "" {
		if p := classifyRef(s); p != nil {
			return p
		}
		return InlineBase64{Data: s}
	}
	for _, part := range contentParts(msg.Content) {
		if p := classifyRef(part); p != nil {
			return p
		}
	}
	content = strings.TrimSpace(content)
	if p := classifyRef(content); p != nil {
		return p
	}
	if m := markdownImage.FindStringSubmatch(content); m != nil {
		return RemoteURL{URL: m[1]}
	}
	return NoImage{}
}

// classifyRef recognizes data URIs and bare http(s) URLs. It returns nil for
// anything else.
func classifyRef(s string) ImagePayload {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "data:image"):
		header, data, ok := strings.Cut(s, ",")
		if !ok {
			return nil
		}
		mediaType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		return DataURI{MediaType: mediaType, Data: data}
	case (strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")) && !strings.ContainsAny(s, " \n"):
		return RemoteURL{URL: s}
	}
	return nil
}

// contentParts returns image URLs from list-shaped content.
func contentParts(raw json.RawMessage) []string {
	var parts []struct {
		Type     string `json:"type"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &parts) != nil {
		return nil
	}
	var urls []string
	for _, p := range parts {
		if p.Type == ctxpkg.PartImageURL && p.ImageURL.URL != "" {
			urls = append(urls, p.ImageURL.URL)
		}
	}
	return urls
}

// materialize turns a payload into image bytes. NoImage yields nil.
func (c *Client) materialize(ctx context.Context, p ImagePayload) ([]byte, error) {
	switch p := p.(type) {
	case NoImage:
		return nil, nil
	case InlineBase64:
		return decodeBase64(p.Data)
	case DataURI:
		return decodeBase64(p.Data)
	case RemoteURL:
		return c.fetcher.Fetch(ctx, p.URL)
	default:
		return nil, fmt.Errorf("unhandled image payload %T", p)
	}
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("decode image base64: %w", err)
	}
	return data, nil
}

// ErrNoImage is reported when the response contained no image.
var ErrNoImage = errors.New("no image in response")

// GenerateImage asks the image model for a picture. It returns nil bytes
// whenever no image can be extracted; the error explains why.
func (c *Client) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := c.complete(ctx, SlotImage, []ctxpkg.Message{
		ctxpkg.User("Generate an image: " + prompt),
	}, []string{"text", "image"})
	if err != nil {
		c.logger.Error("generate image failed", zap.String("model", c.Model(SlotImage)), zap.Error(err))
		return nil, err
	}

	payload := DecodeImagePayload(resp.Message, resp.Content)
	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	data, err := c.materialize(fetchCtx, payload)
	if err == nil && len(data) == 0 {
		err = ErrNoImage
	}
	if err != nil {
		c.logger.Warn("no image extracted",
			zap.String("model", resp.Model),
			zap.String("payload", fmt.Sprintf("%T", payload)),
			zap.Strings("message_keys", messageKeys(resp.Message)),
			zap.String("content_prefix", truncate(resp.Content, 100)),
			zap.Error(err))
		return nil, err
	}
	return data, nil
}

func messageKeys(raw json.RawMessage) []string {
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
