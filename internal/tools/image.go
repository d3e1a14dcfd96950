package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hivelabs/hive-slack/internal/config"
)

// maxImageBytes caps what gets sent to the vision API.
const maxImageBytes = 20 * 1024 * 1024

// mediaTypes maps supported image extensions to their MIME types. The key
// set doubles as the format whitelist.
var mediaTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tiff": "image/tiff",
	".tif":  "image/tiff",
}

// detailPrompts are the canned vision prompts per detail level.
var detailPrompts = map[string]string{
	"brief": "Briefly describe what you see in this image in one sentence.",
	"detailed": "Provide a detailed description of this image, including: " +
		"objects present, people (if any), text content, colors, " +
		"setting/scene, and any notable features.",
	"categorization": "Analyze this image for file organization purposes. " +
		"Provide a JSON response with: " +
		"1) 'filename_suggestion': A brief descriptive name suitable " +
		"for a filename (lowercase, underscores, no spaces, max 50 chars), " +
		"2) 'category': A category for organizing (e.g., 'screenshots', " +
		"'photos', 'diagrams', 'documents', 'memes'), " +
		"3) 'subjects': Array of key subjects or topics (2-5 items). " +
		"Only output valid JSON, no other text.",
}

// ImageAnalyzer runs one vision call. Both provider adapters implement it.
type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, data, mediaType, prompt string) (string, error)
}

// ImageTool describes image files through the provider's vision API.
type ImageTool struct {
	analyzer ImageAnalyzer
}

// NewImageTool creates analyze_image backed by the given analyzer.
func NewImageTool(analyzer ImageAnalyzer) *ImageTool {
	return &ImageTool{analyzer: analyzer}
}

func (t *ImageTool) Name() string { return "analyze_image" }

func (t *ImageTool) Description() string {
	return "Analyze an image file and describe its contents. " +
		"Works with JPG, PNG, GIF, WebP, and BMP files. " +
		"Can provide brief summaries, detailed descriptions, or " +
		"categorization data (filename suggestions, categories, subjects). " +
		"Use this when the user uploads an image or asks about image contents."
}

func (t *ImageTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"image_path": map[string]any{
				"type":        "string",
				"description": "Path to the image file to analyze",
			},
			"detail_level": map[string]any{
				"type": "string",
				"enum": []string{"brief", "detailed", "categorization"},
				"description": "Level of detail: 'brief' for one-sentence summary, " +
					"'detailed' for comprehensive description, " +
					"'categorization' for filename/category/subjects JSON",
			},
			"question": map[string]any{
				"type":        "string",
				"description": "Optional specific question to ask about the image (overrides detail_level)",
			},
		},
		"required": []string{"image_path"},
	}
}

func (t *ImageTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	imagePath, _ := args["image_path"].(string)
	if imagePath == "" {
		return "", errors.New("No image path provided")
	}
	detailLevel, _ := args["detail_level"].(string)
	question, _ := args["question"].(string)

	path := config.ExpandHome(imagePath)
	st, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("Image file not found: %s", imagePath)
	}

	ext := strings.ToLower(filepath.Ext(path))
	mediaType, ok := mediaTypes[ext]
	if !ok {
		return "", fmt.Errorf("Unsupported image format: %s. Supported: %s", ext, supportedExtensions())
	}
	if st.Size() > maxImageBytes {
		return "", fmt.Errorf("Image too large (%dMB). Max size: %dMB",
			st.Size()/1024/1024, maxImageBytes/1024/1024)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("Failed to read image: %w", err)
	}

	prompt := question
	if prompt == "" {
		prompt = detailPrompts[detailLevel]
		if prompt == "" {
			prompt = detailPrompts["detailed"]
		}
	}

	out, err := t.analyzer.AnalyzeImage(ctx, base64.StdEncoding.EncodeToString(raw), mediaType, prompt)
	if err != nil {
		return "", fmt.Errorf("Vision API error: %w", err)
	}
	return out, nil
}

func supportedExtensions() string {
	exts := make([]string, 0, len(mediaTypes))
	for ext := range mediaTypes {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return strings.Join(exts, ", ")
}
