package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var allowedAudioTypes = map[string]struct{}{
	"audio/mp4":   {},
	"audio/m4a":   {},
	"audio/x-m4a": {},
	"audio/wav":   {},
	"audio/mpeg":  {},
}

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/jpg":  {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

const (
	audioFolder = "chat_voice_messages"
	imageFolder = "chat_images"
)

// Upload accepts a multipart voice-message or image upload and stores it
// under a per-appointment directory. The returned media_url is served by
// ServeMedia.
func (s *Server) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadSize)

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "No file provided"})
		return
	}
	if file.Size > s.cfg.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "message": "File too large"})
		return
	}

	appointmentID := c.PostForm("appointment_id")
	if appointmentID == "" || strings.Contains(appointmentID, "..") ||
		strings.ContainsAny(appointmentID, `/\`) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid appointment_id"})
		return
	}

	mime := file.Header.Get("Content-Type")
	_, isImage := allowedImageTypes[mime]
	_, isAudio := allowedAudioTypes[mime]
	if !isImage && !isAudio {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"success": false, "message": "Unsupported file type"})
		return
	}

	folder, prefix, kind := audioFolder, "voice", "audio"
	if isImage {
		folder, prefix, kind = imageFolder, "image", "image"
	}

	dir := filepath.Join(s.cfg.UploadDir, folder, appointmentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error().Err(err).Str("dir", dir).Msg("failed to create upload directory")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Upload failed"})
		return
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if len(ext) > 8 {
		ext = ""
	}
	name := fmt.Sprintf("%s_%d_%s%s", prefix, time.Now().UnixMilli(), uuid.New().String()[:8], ext)

	if err := c.SaveUploadedFile(file, filepath.Join(dir, name)); err != nil {
		s.log.Error().Err(err).Msg("failed to store upload")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Upload failed"})
		return
	}

	relative := folder + "/" + appointmentID + "/" + name
	mediaURL := "/api/audio/" + relative
	if isImage {
		mediaURL = "/api/images/" + relative
	}

	s.log.Info().Str("file", relative).Str("kind", kind).Msg("file uploaded")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"media_url":      mediaURL,
			"url":            mediaURL,
			"filename":       name,
			"appointment_id": appointmentID,
			"file_type":      kind,
		},
	})
}

// ServeMedia serves stored uploads with Range support. Paths containing
// traversal sequences are rejected outright.
func (s *Server) ServeMedia(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	if rel == "" || strings.Contains(rel, "..") ||
		strings.Contains(c.Request.URL.Path, "//") || strings.Contains(rel, `\`) {
		c.String(http.StatusBadRequest, "Invalid path")
		return
	}

	full := filepath.Join(s.cfg.UploadDir, filepath.FromSlash(rel))

	root, err := filepath.Abs(s.cfg.UploadDir)
	if err != nil {
		c.String(http.StatusInternalServerError, "Internal error")
		return
	}
	abs, err := filepath.Abs(full)
	if err != nil || !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		c.String(http.StatusBadRequest, "Invalid path")
		return
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		c.String(http.StatusNotFound, "File not found")
		return
	}

	// ServeFile handles Range and conditional requests.
	http.ServeFile(c.Writer, c.Request, abs)
}
