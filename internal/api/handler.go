package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"docrag/internal/domain"
	"docrag/internal/usecase"
)

type Handler struct {
	svc            *usecase.RetrievalService
	maxUploadBytes int64
}

func NewHandler(svc *usecase.RetrievalService, maxUploadBytes int64) *Handler {
	return &Handler{svc: svc, maxUploadBytes: maxUploadBytes}
}

type uploadResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Chunks  int    `json:"chunks"`
	Pages   int    `json:"pages"`
	Message string `json:"message"`
}

type searchRequest struct {
	Query  string `json:"query"`
	FileID string `json:"file_id"`
	K      *int   `json:"k"`
}

type searchResponse struct {
	Chunks   []string `json:"chunks"`
	FileID   string   `json:"file_id"`
	FileName string   `json:"file_name"`
}

type fileResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Chunks     int    `json:"chunks"`
	Pages      int    `json:"pages"`
	IsEmbedded bool   `json:"is_embedded"`
}

// abortWithError maps service errors onto status codes and the
// {"detail": ...} error body.
func abortWithError(c *gin.Context, err error, fileID string) {
	var ingestErr *domain.IngestionError
	switch {
	case errors.Is(err, domain.ErrUnsupportedFormat):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Only PDF files are supported"})
	case errors.Is(err, domain.ErrInvalidK), errors.Is(err, domain.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	case errors.Is(err, domain.ErrNoDocuments):
		c.JSON(http.StatusNotFound, gin.H{"detail": "No files uploaded. Upload a file first."})
	case errors.Is(err, domain.ErrNotFound):
		var nf *domain.NotFoundError
		if errors.As(err, &nf) && nf.ID != "" {
			fileID = nf.ID
		}
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("File %s not found", fileID)})
	case errors.As(err, &ingestErr):
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to process file: " + ingestErr.Err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
	}
	c.Abort()
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "documents": h.svc.Count()})
}

func (h *Handler) Upload(c *gin.Context) {
	if h.maxUploadBytes > 0 && c.Request.ContentLength > h.maxUploadBytes {
		h.tooLarge(c)
		return
	}
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.tooLarge(c)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"detail": "A multipart field named \"file\" is required"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	doc, err := h.svc.Upload(c.Request.Context(), fh.Filename, data)
	if err != nil {
		abortWithError(c, err, "")
		return
	}

	c.JSON(http.StatusOK, uploadResponse{
		ID:      doc.ID,
		Name:    doc.Name,
		Chunks:  doc.ChunkCount,
		Pages:   doc.PageCount,
		Message: "File uploaded and indexed successfully",
	})
}

func (h *Handler) tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"detail": fmt.Sprintf("File exceeds the %d MB upload limit", h.maxUploadBytes>>20),
	})
}

func (h *Handler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}

	k := h.svc.DefaultK()
	if req.K != nil {
		k = *req.K
	}

	res, err := h.svc.Search(c.Request.Context(), domain.SearchRequest{
		Query:      req.Query,
		DocumentID: req.FileID,
		K:          k,
	})
	if err != nil {
		abortWithError(c, err, req.FileID)
		return
	}

	chunks := res.Chunks
	if chunks == nil {
		chunks = []string{}
	}
	c.JSON(http.StatusOK, searchResponse{
		Chunks:   chunks,
		FileID:   res.DocumentID,
		FileName: res.DocumentName,
	})
}

func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.List())
}

func (h *Handler) Get(c *gin.Context) {
	id := c.Param("file_id")
	doc, indexed, err := h.svc.Get(id)
	if err != nil {
		abortWithError(c, err, id)
		return
	}
	c.JSON(http.StatusOK, fileResponse{
		ID:         doc.ID,
		Name:       doc.Name,
		Chunks:     doc.ChunkCount,
		Pages:      doc.PageCount,
		IsEmbedded: indexed,
	})
}

func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("file_id")
	doc, err := h.svc.Delete(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err, id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Deleted " + doc.Name})
}
