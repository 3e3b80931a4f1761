// Command rembgsrv is a local stand-in for the ComfyUI BiRefNet endpoint.
// It implements just enough of the API (upload, prompt, history, view) to
// exercise the astrocut pipeline offline. Instead of running a real matting
// model it produces a matte by thresholding against the corner background
// color, which is good enough for flat-background generated images.
//
//	go run ./util/rembgsrv -addr :8188
//	go run . -server http://127.0.0.1:8188
package main

import (
	"bytes"
	"flag"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
)

// backgroundTolerance is the per-channel distance from the corner color below
// which a pixel counts as background.
const backgroundTolerance = 48

type store struct {
	mu      sync.Mutex
	uploads map[string][]byte // name -> original png
	mattes  map[string]string // prompt id -> matte filename
	outputs map[string][]byte // matte filename -> matte png
}

func newStore() *store {
	return &store{
		uploads: make(map[string][]byte),
		mattes:  make(map[string]string),
		outputs: make(map[string][]byte),
	}
}

func main() {
	addr := flag.String("addr", ":8188", "listen address")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	s := newStore()
	r := gin.Default()

	r.POST("/api/upload/image", s.handleUpload)
	r.POST("/api/prompt", s.handlePrompt)
	r.GET("/api/history/:id", s.handleHistory)
	r.GET("/api/view", s.handleView)

	slog.Info("rembg stub listening", "addr", *addr)
	if err := r.Run(*addr); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func (s *store) handleUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image field"})
		return
	}
	defer func() {
		_ = file.Close()
	}()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.uploads[header.Filename] = data
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"name": header.Filename, "subfolder": "", "type": "input"})
}

type promptRequest struct {
	Prompt map[string]struct {
		ClassType string         `json:"class_type"`
		Inputs    map[string]any `json:"inputs"`
	} `json:"prompt"`
}

func (s *store) handlePrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Find the LoadImage node to learn which upload the workflow targets.
	var name string
	for _, node := range req.Prompt {
		if node.ClassType == "LoadImage" {
			name, _ = node.Inputs["image"].(string)
		}
	}
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflow has no LoadImage node"})
		return
	}

	s.mu.Lock()
	data, ok := s.uploads[name]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not uploaded: " + name})
		return
	}

	matte, err := computeMatte(data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	id := ksuid.New().String()
	matteName := name + "-matte.png"

	s.mu.Lock()
	s.mattes[id] = matteName
	s.outputs[matteName] = matte
	s.mu.Unlock()

	slog.Info("queued matte", "prompt_id", id, "image", name)
	c.JSON(http.StatusOK, gin.H{"prompt_id": id})
}

func (s *store) handleHistory(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	matteName, ok := s.mattes[id]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		id: gin.H{
			"outputs": gin.H{
				"3": gin.H{
					"images": []gin.H{
						{"filename": matteName, "subfolder": "", "type": "output"},
					},
				},
			},
			"status": gin.H{"status_str": "success", "completed": true},
		},
	})
}

func (s *store) handleView(c *gin.Context) {
	name := c.Query("filename")

	s.mu.Lock()
	data, ok := s.outputs[name]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such output: " + name})
		return
	}

	c.Data(http.StatusOK, "image/png", data)
}

// computeMatte builds a grayscale matte from the decoded image: pixels close
// to the average of the four corner colors are background (black), everything
// else is foreground (white).
func computeMatte(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	corners := []image.Point{
		{b.Min.X, b.Min.Y},
		{b.Max.X - 1, b.Min.Y},
		{b.Min.X, b.Max.Y - 1},
		{b.Max.X - 1, b.Max.Y - 1},
	}
	var br, bg, bb int
	for _, p := range corners {
		r, g, bl, _ := img.At(p.X, p.Y).RGBA()
		br += int(r >> 8)
		bg += int(g >> 8)
		bb += int(bl >> 8)
	}
	br /= len(corners)
	bg /= len(corners)
	bb /= len(corners)

	matte := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			if abs(int(r>>8)-br) < backgroundTolerance &&
				abs(int(g>>8)-bg) < backgroundTolerance &&
				abs(int(bl>>8)-bb) < backgroundTolerance {
				matte.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: 0})
			} else {
				matte.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: 255})
			}
		}
	}

	buf := &bytes.Buffer{}
	if err := png.Encode(buf, matte); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
