package predict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"raputa-gateway/internal/models"
	"raputa-gateway/internal/raputa"
)

// Client 吞咽事件推理服务客户端。
// 上传 audio/imu/gas 三个数据段, 同步等待推理结果。
type Client struct {
	url    string
	client *http.Client
}

// NewClient 创建推理客户端
func NewClient(url string) *Client {
	return &Client{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// UploadAndPredict 以 multipart 表单上传三个数据段文件并解析推理结果。
// 任何失败都返回 error, 由调用方决定跳过本轮, 周期内不重试。
func (c *Client) UploadAndPredict(audioPath, imuPath, gasPath string) (*models.PredictionResult, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	files := []struct{ field, path string }{
		{"audio", audioPath},
		{"imu", imuPath},
		{"gas", gasPath},
	}
	for _, file := range files {
		if err := attachFile(w, file.field, file.path); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("收尾 multipart 表单失败: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("构造推理请求失败: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	raputa.LogInfo("调用模型 API", "url", c.url,
		"audio", filepath.Base(audioPath), "imu", filepath.Base(imuPath), "gas", filepath.Base(gasPath))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用模型 API 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("模型 API 返回状态 %d", resp.StatusCode)
	}

	var result models.PredictionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析推理结果失败: %w", err)
	}
	return &result, nil
}

func attachFile(w *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("打开 %s 数据段失败: %w", field, err)
	}
	defer f.Close()

	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("创建 %s 表单字段失败: %w", field, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("写入 %s 数据段失败: %w", field, err)
	}
	return nil
}
