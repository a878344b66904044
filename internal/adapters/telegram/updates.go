package telegram

import (
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-source-bot/internal/domain"
)

// PostFromUpdate извлекает пост канала из апдейта. Второе значение false, если апдейт не про пост.
func PostFromUpdate(upd tgbotapi.Update) (domain.Post, bool) {
	msg, edited := upd.ChannelPost, false
	if msg == nil {
		msg, edited = upd.EditedChannelPost, true
	}
	if msg == nil || msg.Chat == nil {
		return domain.Post{}, false
	}
	post := domain.Post{
		ChannelID: msg.Chat.ID,
		MessageID: msg.MessageID,
		Caption:   msg.Caption,
		Links:     captionLinks(msg.Caption, msg.CaptionEntities),
		Date:      time.Unix(int64(msg.Date), 0),
		Edited:    edited,
	}
	if len(msg.Photo) > 0 {
		post.Images = append(post.Images, largestPhoto(msg.Photo))
	}
	if doc := msg.Document; doc != nil && strings.HasPrefix(doc.MimeType, "image/") {
		post.Images = append(post.Images, domain.ImageRef{
			FileID:       doc.FileID,
			FileUniqueID: doc.FileUniqueID,
			Size:         doc.FileSize,
		})
	}
	return post, true
}

func largestPhoto(sizes []tgbotapi.PhotoSize) domain.ImageRef {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height > best.Width*best.Height {
			best = s
		}
	}
	return domain.ImageRef{
		FileID:       best.FileID,
		FileUniqueID: best.FileUniqueID,
		Size:         best.FileSize,
		Width:        best.Width,
		Height:       best.Height,
	}
}

// captionLinks собирает ссылки подписи: текстовые ссылки и голые URL.
func captionLinks(caption string, entities []tgbotapi.MessageEntity) []domain.CaptionLink {
	var links []domain.CaptionLink
	units := utf16.Encode([]rune(caption))
	for _, e := range entities {
		text := entityText(units, e.Offset, e.Length)
		switch e.Type {
		case "text_link":
			links = append(links, domain.CaptionLink{Text: text, URL: e.URL})
		case "url":
			links = append(links, domain.CaptionLink{Text: text, URL: text})
		}
	}
	return links
}

// entityText вырезает текст сущности. Смещения Telegram считаются в единицах UTF-16.
func entityText(units []uint16, offset, length int) string {
	if offset < 0 || length <= 0 || offset >= len(units) {
		return ""
	}
	end := min(offset+length, len(units))
	return string(utf16.Decode(units[offset:end]))
}
