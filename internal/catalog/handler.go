package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/storefront-fulfillment/internal/blobstore"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

const maxUploadBytes = 512 << 20

type Uploader interface {
	Upload(ctx context.Context, data io.Reader, size int64, fileName, productID, contentType string) (*blobstore.Uploaded, error)
}

type Handler struct {
	repo     *Repository
	uploader Uploader
	logger   *slog.Logger
}

func NewHandler(repo *Repository, uploader Uploader, logger *slog.Logger) *Handler {
	return &Handler{
		repo:     repo,
		uploader: uploader,
		logger:   logger,
	}
}

func (h *Handler) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("id")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	product, err := h.repo.GetProduct(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get product", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if product == nil {
		h.writeError(w, http.StatusNotFound, "product not found")
		return
	}

	files, err := h.repo.ListAllFiles(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to list files", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("files listed", "product_id", productID, "count", len(files))
	h.writeJSON(w, http.StatusOK, files)
}

// HandleUploadFile stores a multipart "file" field in the blob store and
// attaches it to the product, or to the version given by "versionId".
func (h *Handler) HandleUploadFile(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("id")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer func() { _ = file.Close() }()

	product, err := h.repo.GetProduct(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get product", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if product == nil {
		h.writeError(w, http.StatusNotFound, "product not found")
		return
	}

	versionID := r.FormValue("versionId")
	if err := h.repo.CheckVersion(r.Context(), productID, versionID); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			h.writeError(w, http.StatusBadRequest, "version does not belong to product")
			return
		}
		h.logger.Error("failed to check version", "error", err, "product_id", productID, "version_id", versionID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	contentType := header.Header.Get("Content-Type")
	uploaded, err := h.uploader.Upload(r.Context(), file, header.Size, header.Filename, productID, contentType)
	if err != nil {
		h.logger.Error("failed to upload file", "error", err, "product_id", productID)
		h.writeError(w, http.StatusBadGateway, "file storage unavailable")
		return
	}

	record := &domain.ProductFile{
		ProductID:   productID,
		VersionID:   versionID,
		FileName:    header.Filename,
		FileKey:     uploaded.Key,
		ContentType: contentType,
		SizeBytes:   uploaded.Size,
	}
	if record.ContentType == "" {
		record.ContentType = "application/octet-stream"
	}

	if err := h.repo.CreateFile(r.Context(), record); err != nil {
		h.logger.Error("failed to record file", "error", err, "product_id", productID, "key", uploaded.Key)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("file uploaded", "product_id", productID, "key", uploaded.Key, "size", uploaded.Size)
	h.writeJSON(w, http.StatusCreated, record)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
