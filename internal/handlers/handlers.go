package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/binary-classifier/internal/imageprocessor"
	"github.com/example/binary-classifier/internal/usecase"
)

// MaxUploadSize is the default largest accepted image, in bytes.
const MaxUploadSize = 10 << 20

// formOverhead is the allowance for multipart framing on top of the file limit.
const formOverhead = 1 << 20

var allowedTypes = map[string]bool{
	"image/jpeg":  true,
	"image/jpg":   true,
	"image/pjpeg": true,
	"image/png":   true,
}

// RegisterRoutes wires the HTTP handlers to the Gin router. maxUpload <= 0
// selects MaxUploadSize.
func RegisterRoutes(router *gin.Engine, uc *usecase.ClassificationUseCase, maxUpload int64) {
	if maxUpload <= 0 {
		maxUpload = MaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/counts", func(c *gin.Context) {
		summary, err := uc.Counts(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "counts unavailable"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	router.POST("/classify", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload+formOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}

		data, err := readUpload(file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		if !acceptedType(file.Header.Get("Content-Type"), data) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only JPEG and PNG images are supported"})
			return
		}

		outcome, err := uc.ClassifyImage(c.Request.Context(), data)
		if err != nil {
			_ = c.Error(err)
			switch {
			case errors.Is(err, imageprocessor.ErrUnsupportedImage):
				c.JSON(http.StatusBadRequest, gin.H{"error": "image could not be decoded"})
			case usecase.IsAbandoned(err):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classification did not finish in time"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		resp := gin.H{
			"request_id":      outcome.RequestID,
			"label":           outcome.Prediction.Label.String(),
			"confidence":      outcome.Prediction.Confidence,
			"confidence_text": outcome.Prediction.ConfidenceText(),
			"score":           outcome.Prediction.Score,
		}
		if outcome.Counts != nil {
			resp["counts"] = outcome.Counts
		}
		if outcome.CountErr != nil {
			_ = c.Error(outcome.CountErr)
			resp["count_error"] = "the result could not be added to the tally"
		}
		c.JSON(http.StatusOK, resp)
	})
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

// acceptedType trusts an explicit image content type and sniffs the bytes when
// the client sent none or a generic one.
func acceptedType(declared string, data []byte) bool {
	declared = strings.ToLower(strings.TrimSpace(strings.Split(declared, ";")[0]))
	if declared != "" && declared != "application/octet-stream" {
		return allowedTypes[declared]
	}
	detected := mimetype.Detect(data)
	return detected.Is("image/jpeg") || detected.Is("image/png")
}
