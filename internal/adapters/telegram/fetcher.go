package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"tg-source-bot/internal/domain"
	"tg-source-bot/internal/infra/metrics"
)

const (
	// DefaultMaxFileBytes ограничивает размер скачиваемого файла.
	DefaultMaxFileBytes = 5 << 20
	// MaxSide ограничивает сторону изображения после нормализации.
	MaxSide     = 4096
	// MaxPixels ограничивает площадь исходного изображения до декодирования.
	MaxPixels   = 40_000_000
	jpegQuality = 95
)

var (
	ErrFileTooLarge  = errors.New("файл превышает допустимый размер")
	ErrNotImage      = errors.New("файл не является изображением")
	ErrImageTooLarge = errors.New("изображение слишком большое для обработки")
)

// Fetcher скачивает изображения постов и приводит их к JPEG.
type Fetcher struct {
	bot      BotAPI
	token    string
	client   *http.Client
	maxBytes int
	fileURL  func(token, path string) string
}

// NewFetcher создаёт загрузчик. token нужен для прямой ссылки на файл.
func NewFetcher(bot BotAPI, token string, maxBytes int) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	return &Fetcher{
		bot:      bot,
		token:    token,
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: maxBytes,
		fileURL: func(token, path string) string {
			return fmt.Sprintf(tgbotapi.FileEndpoint, token, path)
		},
	}
}

// Fetch скачивает файл и нормализует изображение.
func (f *Fetcher) Fetch(ctx context.Context, ref domain.ImageRef) (domain.Image, error) {
	if ref.Size > f.maxBytes {
		return domain.Image{}, ErrFileTooLarge
	}

	start := time.Now()
	file, err := f.bot.GetFile(tgbotapi.FileConfig{FileID: ref.FileID})
	metrics.ObserveNetworkRequest("telegram_bot", "get_file", "telegram", start, err)
	if err != nil {
		return domain.Image{}, fmt.Errorf("получение файла: %w", err)
	}
	if file.FileSize > f.maxBytes {
		return domain.Image{}, ErrFileTooLarge
	}

	raw, err := f.download(ctx, f.fileURL(f.token, file.FilePath))
	if err != nil {
		return domain.Image{}, err
	}
	data, err := Normalize(raw)
	if err != nil {
		return domain.Image{}, err
	}
	return domain.Image{Ref: ref, Data: data}, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("telegram_bot", "download_file", "telegram", start, err)
		return nil, fmt.Errorf("загрузка файла: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("загрузка файла: статус %d", resp.StatusCode)
		metrics.ObserveNetworkRequest("telegram_bot", "download_file", "telegram", start, err)
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.maxBytes)+1))
	metrics.ObserveNetworkRequest("telegram_bot", "download_file", "telegram", start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение файла: %w", err)
	}
	if len(data) > f.maxBytes {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

// Normalize приводит изображение к JPEG: прозрачность заливается белым,
// стороны больше MaxSide уменьшаются пропорционально.
// JPEG в допустимых размерах возвращается как есть.
func Normalize(raw []byte) ([]byte, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: размер %dx%d", ErrNotImage, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	if format == "jpeg" && cfg.Width <= MaxSide && cfg.Height <= MaxSide {
		return raw, nil
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	w, h := fitSize(src.Bounds().Dx(), src.Bounds().Dy(), MaxSide)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("кодирование jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func fitSize(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	if w >= h {
		return limit, max(1, h*limit/w)
	}
	return max(1, w*limit/h), limit
}
