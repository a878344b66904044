package telegram

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-source-bot/internal/domain"
)

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png: %v", err)
	}
	return buf.Bytes()
}

func TestNormalizeFlattensTransparency(t *testing.T) {
	raw := encodePNG(t, 8, 8, color.NRGBA{})
	out, err := Normalize(raw)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("результат не jpeg: %v", err)
	}
	r, g, b, _ := img.At(4, 4).RGBA()
	if r>>8 < 240 || g>>8 < 240 || b>>8 < 240 {
		t.Fatalf("прозрачный пиксель должен стать белым, получили %d,%d,%d", r>>8, g>>8, b>>8)
	}
}

func TestNormalizeDownscalesLargeImages(t *testing.T) {
	raw := encodePNG(t, MaxSide*2, 10, color.Black)
	out, err := Normalize(raw)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("результат не jpeg: %v", err)
	}
	if cfg.Width != MaxSide || cfg.Height != 5 {
		t.Fatalf("ожидали %dx5, получили %dx%d", MaxSide, cfg.Width, cfg.Height)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	if _, err := Normalize([]byte("not an image")); !errors.Is(err, ErrNotImage) {
		t.Fatalf("ожидали ErrNotImage, получили %v", err)
	}
}

func TestNormalizeRejectsHugeDimensions(t *testing.T) {
	// Заголовок GIF 65535x65535 без данных: несколько байт, но гигабайты при декодировании.
	raw := []byte("GIF89a\xff\xff\xff\xff\x00\x00\x00")
	if _, err := Normalize(raw); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("ожидали ErrImageTooLarge, получили %v", err)
	}
}

func TestFetchDownloadsAndRejectsLargeFiles(t *testing.T) {
	raw := encodePNG(t, 4, 4, color.White)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/photos/1.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	bot := &stubBot{file: tgbotapi.File{FileID: "f1", FilePath: "photos/1.png", FileSize: len(raw)}}
	f := NewFetcher(bot, "token", 0)
	f.fileURL = func(_, path string) string { return srv.URL + "/" + path }

	img, err := f.Fetch(context.Background(), domain.ImageRef{FileID: "f1"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(img.Data)); err != nil {
		t.Fatalf("ожидали jpeg: %v", err)
	}

	if _, err := f.Fetch(context.Background(), domain.ImageRef{FileID: "f1", Size: DefaultMaxFileBytes + 1}); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("ожидали ErrFileTooLarge, получили %v", err)
	}

	small := NewFetcher(bot, "token", 10)
	small.fileURL = f.fileURL
	bot.file.FileSize = 0
	if _, err := small.Fetch(context.Background(), domain.ImageRef{FileID: "f1"}); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("ожидали ErrFileTooLarge при скачивании, получили %v", err)
	}
}
