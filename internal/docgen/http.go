package docgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/dataset"
)

// RegisterRoutes はジョブAPIのルートを登録します。
func RegisterRoutes(r gin.IRouter, m *Manager, cfg *config.Config) {
	api := r.Group("/api")
	api.POST("/jobs", CreateJobHandler(m, cfg))
	api.GET("/jobs", ListJobsHandler(m))
	api.GET("/jobs/:id", GetJobHandler(m))
	api.POST("/jobs/:id/start", StartJobHandler(m))
	api.POST("/jobs/:id/cancel", CancelJobHandler(m))
	api.POST("/jobs/:id/refresh", RefreshJobHandler(m))
	api.DELETE("/jobs/:id", DeleteJobHandler(m))
	api.GET("/jobs/:id/download", DownloadHandler(m))
	api.GET("/dashboard/stats", StatsHandler(m))
	api.GET("/formats", FormatsHandler())
	api.GET("/excel-sheets", SheetsHandler())
}

// CreateJobHandler は POST /api/jobs のハンドラーを返します。
// テンプレートとデータソースは multipart のファイルアップロード、または
// サーバー上のパス指定（template_paths / data_path）のどちらでも受け付けます。
func CreateJobHandler(m *Manager, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := parseCreateRequest(c, cfg)
		if err != nil {
			respondWithError(c, err)
			return
		}

		job, err := m.Create(c.Request.Context(), *req)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, job)
	}
}

// StartJobHandler は POST /api/jobs/:id/start のハンドラーを返します。
func StartJobHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.Start(c.Request.Context(), c.Param("id")); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": c.Param("id")})
	}
}

// CancelJobHandler は POST /api/jobs/:id/cancel のハンドラーを返します。
func CancelJobHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.Cancel(c.Param("id")); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": c.Param("id")})
	}
}

// RefreshJobHandler は POST /api/jobs/:id/refresh のハンドラーを返します。
// 待機中のジョブに取り込み済みの入力を元ファイルの最新内容へ更新します。
func RefreshJobHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := m.Refresh(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// SheetsHandler は GET /api/excel-sheets のハンドラーを返します。
// 指定されたExcelファイルのシート一覧と、データシートの自動判定結果を返します。
func SheetsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := strings.TrimSpace(c.Query("path"))
		if path == "" {
			respondWithError(c, newError("INVALID_INPUT", "path を指定してください。", nil))
			return
		}
		if !hasAllowedExtension(path, config.AllowedDataExtensions) {
			respondWithError(c, newError("INVALID_INPUT", "データソースはExcelファイルを指定してください。", nil))
			return
		}
		sheets, err := dataset.Sheets(path)
		if err != nil {
			respondWithError(c, newError("INVALID_INPUT", "Excelファイルを開けませんでした。", err))
			return
		}
		detected, _ := dataset.DetectDataSheet(path)
		c.JSON(http.StatusOK, gin.H{"sheets": sheets, "detected": detected})
	}
}

// ListJobsHandler は GET /api/jobs のハンドラーを返します。
func ListJobsHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"jobs": m.List()})
	}
}

// GetJobHandler は GET /api/jobs/:id のハンドラーを返します。
func GetJobHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := m.Get(c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// DeleteJobHandler は DELETE /api/jobs/:id のハンドラーを返します。
// 処理中のジョブは force=true を付けた場合のみ削除できます。
func DeleteJobHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))
		if err := m.Delete(c.Param("id"), force); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
	}
}

// DownloadHandler は GET /api/jobs/:id/download のハンドラーを返します。
func DownloadHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		path, err := m.ArchivePath(jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}

		file, err := os.Open(path)
		if err != nil {
			respondWithError(c, fmt.Errorf("結果アーカイブの読み込みに失敗しました: %w", err))
			return
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			respondWithError(c, err)
			return
		}

		filename := filepath.Base(path)
		encodedName := url.PathEscape(filename)
		c.Header("Content-Type", "application/zip")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", jobID)
		c.DataFromReader(http.StatusOK, info.Size(), "application/zip", file, nil)
	}
}

// StatsHandler は GET /api/dashboard/stats のハンドラーを返します。
func StatsHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Stats())
	}
}

// FormatsHandler は GET /api/formats のハンドラーを返します。
func FormatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"formats": config.OutputFormats})
	}
}

func parseCreateRequest(c *gin.Context, cfg *config.Config) (*CreateRequest, error) {
	req := &CreateRequest{
		DataSheet:        c.PostForm("data_sheet"),
		FilenameVariable: c.PostForm("filename_variable"),
		TabnameVariable:  c.PostForm("tabname_variable"),
		OutputDirectory:  c.PostForm("output_directory"),
	}

	formats, err := parseFormats(c.PostForm("output_formats"))
	if err != nil {
		return nil, err
	}
	req.OutputFormats = formats

	if raw := strings.TrimSpace(c.PostForm("print_settings")); raw != "" {
		var settings convert.PrintSettings
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return nil, newError("INVALID_INPUT", "print_settings はJSONで指定してください。", err)
		}
		req.PrintSettings = &settings
	}

	priorities := c.PostFormArray("template_priorities[]")
	sheets := c.PostFormArray("template_sheets[]")

	form, _ := c.MultipartForm()
	var uploads []*multipart.FileHeader
	if form != nil {
		uploads = form.File["templates[]"]
		if len(uploads) == 0 {
			uploads = form.File["templates"]
		}
	}

	if len(uploads) > 0 {
		for i, header := range uploads {
			if cfg.MaxFileSize > 0 && header.Size > cfg.MaxFileSize {
				return nil, newError("LIMIT_EXCEEDED",
					fmt.Sprintf("テンプレート %s がサイズ上限を超えています。", header.Filename), nil)
			}
			saved, err := saveUpload(c, header, cfg.UploadDir)
			if err != nil {
				return nil, err
			}
			req.Templates = append(req.Templates, TemplateInput{
				Path:     saved,
				Priority: priorityAt(priorities, i),
				Sheet:    valueAt(sheets, i),
			})
		}
	} else if raw := strings.TrimSpace(c.PostForm("template_paths")); raw != "" {
		var paths []string
		if err := json.Unmarshal([]byte(raw), &paths); err != nil {
			return nil, newError("INVALID_INPUT", "template_paths はJSON形式の文字列配列で指定してください。", err)
		}
		for i, path := range paths {
			req.Templates = append(req.Templates, TemplateInput{
				Path:     path,
				Priority: priorityAt(priorities, i),
				Sheet:    valueAt(sheets, i),
			})
		}
	}

	var dataUpload *multipart.FileHeader
	if form != nil {
		if files := form.File["data"]; len(files) > 0 {
			dataUpload = files[0]
		}
	}
	if dataUpload != nil {
		if cfg.MaxFileSize > 0 && dataUpload.Size > cfg.MaxFileSize {
			return nil, newError("LIMIT_EXCEEDED", "データソースがサイズ上限を超えています。", nil)
		}
		saved, err := saveUpload(c, dataUpload, cfg.UploadDir)
		if err != nil {
			return nil, err
		}
		req.DataPath = saved
	} else {
		req.DataPath = strings.TrimSpace(c.PostForm("data_path"))
	}

	return req, nil
}

// parseFormats は output_formats をJSON配列またはカンマ区切りとして解釈します。
func parseFormats(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, newError("INVALID_INPUT", "出力形式を1つ以上指定してください。", nil)
	}

	if strings.HasPrefix(raw, "[") {
		var formats []string
		if err := json.Unmarshal([]byte(raw), &formats); err != nil {
			return nil, newError("INVALID_INPUT", "output_formats はJSON形式の文字列配列で指定してください。", err)
		}
		return formats, nil
	}

	var formats []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			formats = append(formats, trimmed)
		}
	}
	return formats, nil
}

func saveUpload(c *gin.Context, header *multipart.FileHeader, uploadDir string) (string, error) {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s", uuid.NewString()[:8], filepath.Base(header.Filename))
	dst := filepath.Join(uploadDir, name)
	if err := c.SaveUploadedFile(header, dst); err != nil {
		return "", fmt.Errorf("アップロードファイルの保存に失敗しました: %w", err)
	}
	return dst, nil
}

func priorityAt(values []string, index int) int {
	if index < len(values) {
		if n, err := strconv.Atoi(strings.TrimSpace(values[index])); err == nil {
			return n
		}
	}
	return index + 1
}

func valueAt(values []string, index int) string {
	if index < len(values) {
		return values[index]
	}
	return ""
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "JOB_NOT_FOUND":
			status = http.StatusNotFound
		case "STATE_ERROR":
			status = http.StatusConflict
		case "FILES_IN_USE":
			status = http.StatusLocked
		case "LIMIT_EXCEEDED":
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
