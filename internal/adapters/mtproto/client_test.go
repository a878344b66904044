package mtproto

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestRenderMessage(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		entities []tg.MessageEntityClass
		markup   tg.ReplyMarkupClass
		want     string
	}{
		{
			name: "текстовая ссылка после эмодзи",
			text: "Нашёл 🦊 тут",
			entities: []tg.MessageEntityClass{
				&tg.MessageEntityBold{Offset: 0, Length: 5},
				&tg.MessageEntityTextURL{Offset: 9, Length: 3, URL: "https://x.com/a/status/1"},
			},
			want: "Нашёл 🦊 тут\n[тут](https://x.com/a/status/1)",
		},
		{
			name: "кнопки со ссылками",
			text: "Results",
			markup: &tg.ReplyInlineMarkup{Rows: []tg.KeyboardButtonRow{
				{Buttons: []tg.KeyboardButtonClass{
					&tg.KeyboardButtonURL{Text: "Bluesky", URL: "https://bsky.app/profile/a/post/2"},
					&tg.KeyboardButtonCallback{Text: "More", Data: []byte("more")},
				}},
				{Buttons: []tg.KeyboardButtonClass{
					&tg.KeyboardButtonURL{Text: "e621", URL: "https://e621.net/posts/1"},
				}},
			}},
			want: "Results\n[Bluesky](https://bsky.app/profile/a/post/2)\n[e621](https://e621.net/posts/1)",
		},
		{
			name: "сущность за пределами текста",
			text: "ok",
			entities: []tg.MessageEntityClass{
				&tg.MessageEntityTextURL{Offset: 10, Length: 2, URL: "https://e621.net/posts/3"},
			},
			want: "ok\n[](https://e621.net/posts/3)",
		},
		{
			name:   "обычная клавиатура игнорируется",
			text:   "Привет",
			markup: &tg.ReplyKeyboardHide{},
			want:   "Привет",
		},
	}
	for _, tc := range cases {
		if got := renderMessage(tc.text, tc.entities, tc.markup); got != tc.want {
			t.Fatalf("%s: ожидали %q, получили %q", tc.name, tc.want, got)
		}
	}
}

func TestUTF16Slice(t *testing.T) {
	text := toUTF16("a🦊b")
	cases := []struct {
		offset, length int
		want           string
	}{
		{offset: 0, length: 1, want: "a"},
		{offset: 1, length: 2, want: "🦊"},
		{offset: 3, length: 10, want: "b"},
		{offset: 4, length: 1, want: ""},
		{offset: -1, length: 2, want: ""},
		{offset: 0, length: 0, want: ""},
	}
	for _, tc := range cases {
		if got := text.slice(tc.offset, tc.length); got != tc.want {
			t.Fatalf("slice(%d, %d): ожидали %q, получили %q", tc.offset, tc.length, tc.want, got)
		}
	}
}

func TestDeliverFiltersMessages(t *testing.T) {
	cases := []struct {
		name    string
		waiting int
		botID   int64
		fromID  int64
		text    string
		want    bool
	}{
		{name: "ответ бота", waiting: 1, botID: 5, fromID: 5, text: "Results", want: true},
		{name: "никто не ждёт", waiting: 0, botID: 5, fromID: 5, text: "Results"},
		{name: "чужое сообщение", waiting: 1, botID: 5, fromID: 6, text: "hi"},
		{name: "бот ещё не известен", waiting: 1, botID: 0, fromID: 5, text: "Results"},
		{name: "пустой текст", waiting: 1, botID: 5, fromID: 5, text: ""},
	}
	for _, tc := range cases {
		uc := &userClient{waiting: tc.waiting, botID: tc.botID, replies: make(chan botReply, 1)}
		uc.deliver(tc.fromID, 42, tc.text)
		select {
		case reply := <-uc.replies:
			if !tc.want {
				t.Fatalf("%s: сообщение не должно доставляться", tc.name)
			}
			if reply.replyTo != 42 || reply.text != tc.text {
				t.Fatalf("%s: неожиданный ответ %+v", tc.name, reply)
			}
		default:
			if tc.want {
				t.Fatalf("%s: ответ бота потерян", tc.name)
			}
		}
	}
}

func TestBeginWaitDropsStaleReplies(t *testing.T) {
	uc := &userClient{botID: 5, replies: make(chan botReply, 2)}
	uc.replies <- botReply{text: "старый ответ"}

	uc.beginWait()
	if len(uc.replies) != 0 {
		t.Fatal("ответы прошлого запроса должны сбрасываться")
	}
	uc.deliver(5, 1, "новый ответ")
	uc.endWait()
	if reply := <-uc.replies; reply.text != "новый ответ" {
		t.Fatalf("неожиданный ответ %q", reply.text)
	}
	if uc.waiting != 0 {
		t.Fatalf("счётчик ожиданий не вернулся к нулю: %d", uc.waiting)
	}
}

func TestInspectSent(t *testing.T) {
	p := &Pool{cfg: Config{SourceBot: "FindFurryPicBot"}}
	cases := []struct {
		name    string
		updates tg.UpdatesClass
		wantID  int
		wantBot int64
	}{
		{
			name:    "короткий ответ",
			updates: &tg.UpdateShortSentMessage{ID: 11},
			wantID:  11,
		},
		{
			name: "id из UpdateMessageID и бот из пользователей",
			updates: &tg.Updates{
				Users: []tg.UserClass{
					&tg.User{ID: 3, Username: "someone"},
					&tg.User{ID: 77, Username: "findfurrypicbot"},
				},
				Updates: []tg.UpdateClass{&tg.UpdateMessageID{ID: 12, RandomID: 1}},
			},
			wantID:  12,
			wantBot: 77,
		},
		{
			name: "исходящее новое сообщение",
			updates: &tg.Updates{Updates: []tg.UpdateClass{
				&tg.UpdateNewMessage{Message: &tg.Message{ID: 8, Out: false}},
				&tg.UpdateNewMessage{Message: &tg.Message{ID: 13, Out: true}},
			}},
			wantID: 13,
		},
		{
			name:    "неизвестный ответ",
			updates: &tg.UpdatesTooLong{},
		},
	}
	for _, tc := range cases {
		uc := &userClient{}
		if got := p.inspectSent(uc, tc.updates); got != tc.wantID {
			t.Fatalf("%s: ожидали id %d, получили %d", tc.name, tc.wantID, got)
		}
		if uc.botID != tc.wantBot {
			t.Fatalf("%s: ожидали бота %d, получили %d", tc.name, tc.wantBot, uc.botID)
		}
	}
}

func TestReplyToID(t *testing.T) {
	if got := replyToID(&tg.MessageReplyHeader{ReplyToMsgID: 9}); got != 9 {
		t.Fatalf("ожидали 9, получили %d", got)
	}
	if got := replyToID(nil); got != 0 {
		t.Fatalf("без заголовка ожидали 0, получили %d", got)
	}
}
