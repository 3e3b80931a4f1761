package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"mime/multipart"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nfnt/resize"
	"github.com/segmentio/ksuid"

	nhttp "github.com/chaos-io/astrocut/util/http"
)

const (
	BiRefNetModel = "BiRefNet"

	// DefaultBaseURL points at the local ComfyUI instance running the
	// BiRefNet matting workflow.
	DefaultBaseURL = "http://192.168.4.188:8188"

	uploadPath  = "/api/upload/image"
	promptPath  = "/api/prompt"
	historyPath = "/api/history/"
	viewPath    = "/api/view"

	// maxUploadEdge caps the longest edge of the uploaded copy. The matte is
	// rescaled back to the original size before compositing.
	maxUploadEdge = 2048

	defaultPollInterval = 500 * time.Millisecond
	defaultPollTimeout  = 2 * time.Minute
)

//go:embed workflow.json
var workflowData string

// ComfyUI removes backgrounds by driving a BiRefNet workflow on a remote
// ComfyUI server: upload the image, queue the workflow, poll history until
// the matte node is done, fetch the matte, and composite it onto the source.
type ComfyUI struct {
	baseURL      string
	cli          nhttp.IClient
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewComfyUI(baseURL string) *ComfyUI {
	return &ComfyUI{
		baseURL:      strings.TrimRight(baseURL, "/"),
		cli:          nhttp.NewHTTPClient(),
		pollInterval: defaultPollInterval,
		pollTimeout:  defaultPollTimeout,
	}
}

func (c *ComfyUI) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	upload := img
	b := img.Bounds()
	if b.Dx() > maxUploadEdge || b.Dy() > maxUploadEdge {
		upload = resize.Thumbnail(maxUploadEdge, maxUploadEdge, img, resize.Lanczos3)
	}

	name := "astrocut-" + ksuid.New().String() + ".png"
	if err := c.uploadImage(ctx, name, upload); err != nil {
		return nil, err
	}

	promptID, err := c.prompt(ctx, name)
	if err != nil {
		return nil, err
	}

	matteRef, err := c.waitForMatte(ctx, promptID)
	if err != nil {
		return nil, err
	}

	matte, err := c.fetchImage(ctx, matteRef)
	if err != nil {
		return nil, err
	}

	return applyMatte(img, matte)
}

type uploadImageResp struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}
*/
func (c *ComfyUI) uploadImage(ctx context.Context, name string, img image.Image) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", name)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if err := png.Encode(part, img); err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}

	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	_ = writer.Close()

	resp := &uploadImageResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: c.baseURL + uploadPath,
		Method:     "POST",
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	}
	if err := c.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return fmt.Errorf("upload image: %w", err)
	}

	slog.Debug("uploaded image", "name", resp.Name, "type", resp.Type)
	return nil
}

type promptResp struct {
	PromptID string `json:"prompt_id"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (c *ComfyUI) prompt(ctx context.Context, name string) (string, error) {
	workflow := strings.Replace(workflowData, "MyImage.png", name, 1)

	wk := map[string]any{}
	if err := json.Unmarshal([]byte(workflow), &wk); err != nil {
		return "", fmt.Errorf("unmarshal workflow data: %w", err)
	}

	body, err := json.Marshal(map[string]any{"prompt": wk})
	if err != nil {
		return "", fmt.Errorf("marshal workflow data: %w", err)
	}

	resp := &promptResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: c.baseURL + promptPath,
		Method:     "POST",
		Header:     map[string]string{"Content-Type": "application/json"},
		Body:       body,
		Response:   resp,
	}
	if err := c.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("queue prompt: empty prompt_id in response")
	}

	slog.Debug("queued prompt", "prompt_id", resp.PromptID)
	return resp.PromptID, nil
}

type historyImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyOutput struct {
	Images []historyImage `json:"images"`
}

type historyEntry struct {
	Outputs map[string]historyOutput `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// waitForMatte polls /api/history/{promptID} until the workflow has produced
// an output image or the poll timeout elapses.
func (c *ComfyUI) waitForMatte(ctx context.Context, promptID string) (*historyImage, error) {
	deadline := time.Now().Add(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		history := map[string]historyEntry{}
		reqParam := &nhttp.RequestParam{
			RequestURI: c.baseURL + historyPath + promptID,
			Method:     "GET",
			Response:   &history,
		}
		if err := c.cli.DoHTTPRequest(ctx, reqParam); err != nil {
			return nil, fmt.Errorf("poll history: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == "error" {
				return nil, fmt.Errorf("workflow %s failed on server", promptID)
			}
			if entry.Status.Completed {
				// Scan nodes in a fixed order so a workflow with several
				// image-emitting nodes always yields the same one.
				nodes := make([]string, 0, len(entry.Outputs))
				for id := range entry.Outputs {
					nodes = append(nodes, id)
				}
				sort.Strings(nodes)
				for _, id := range nodes {
					if imgs := entry.Outputs[id].Images; len(imgs) > 0 {
						img := imgs[0]
						return &img, nil
					}
				}
				return nil, fmt.Errorf("workflow %s completed without output images", promptID)
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("workflow %s did not finish within %s", promptID, c.pollTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// fetchImage downloads a workflow output via /api/view and decodes it.
func (c *ComfyUI) fetchImage(ctx context.Context, ref *historyImage) (image.Image, error) {
	query := url.Values{}
	query.Set("filename", ref.Filename)
	query.Set("subfolder", ref.Subfolder)
	query.Set("type", ref.Type)

	var raw []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: c.baseURL + viewPath + "?" + query.Encode(),
		Method:     "GET",
		Response:   &raw,
	}
	if err := c.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("fetch matte: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode matte: %w", err)
	}
	return img, nil
}
