package mtproto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNormalizeSessionKeepsGotdJSON(t *testing.T) {
	raw := []byte(` {"Version":1,"Data":{"DC":2}} `)
	out, format, err := NormalizeSession(raw)
	if err != nil || format != FormatGotd {
		t.Fatalf("ожидали сессию без конвертации: %v %v", format, err)
	}
	if string(out) != `{"Version":1,"Data":{"DC":2}}` {
		t.Fatalf("неожиданный результат %s", out)
	}
}

func TestNormalizeSessionFromTelethonRows(t *testing.T) {
	key := hex.EncodeToString([]byte(strings.Repeat("k", 256)))
	raw := []byte(`[{"dc_id":2,"server_address":"149.154.167.51","port":443,"auth_key":"` + key + `"}]`)

	out, format, err := NormalizeSession(raw)
	if err != nil || format != FormatTelethonRows {
		t.Fatalf("ожидали конвертацию строк таблицы: %v %v", format, err)
	}
	var payload struct {
		Version int
		Data    struct {
			DC   int
			Addr string
		}
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		t.Fatalf("результат не JSON: %v", err)
	}
	if payload.Version != 1 || payload.Data.DC != 2 || payload.Data.Addr != "149.154.167.51:443" {
		t.Fatalf("неожиданная сессия %+v", payload)
	}
}

func TestNormalizeSessionRejectsGarbage(t *testing.T) {
	if _, _, err := NormalizeSession([]byte("not a session")); !errors.Is(err, ErrUnsupportedSessionFormat) {
		t.Fatalf("ожидали ErrUnsupportedSessionFormat, получили %v", err)
	}
	if _, _, err := NormalizeSession(nil); err == nil {
		t.Fatal("пустая сессия должна отклоняться")
	}
}

func TestNormalizeSessionSkipsIncompleteRows(t *testing.T) {
	key := hex.EncodeToString([]byte(strings.Repeat("z", 256)))
	raw := []byte(`[{"dc_id":1,"server_address":"","port":0,"auth_key":""},` +
		`{"dc_id":4,"server_address":"149.154.167.91","port":443,"auth_key":"` + key + `"}]`)

	out, _, err := NormalizeSession(raw)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	var payload struct {
		Data struct {
			DC     int
			Config struct {
				ThisDC    int
				DCOptions []struct {
					ID        int
					IPAddress string
					Port      int
				}
			}
			AuthKeyID []byte
		}
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		t.Fatalf("результат не JSON: %v", err)
	}
	if payload.Data.DC != 4 || payload.Data.Config.ThisDC != 4 || len(payload.Data.AuthKeyID) != 8 {
		t.Fatalf("ожидали DC 4 с ключом, получили %+v", payload.Data)
	}
	if opts := payload.Data.Config.DCOptions; len(opts) != 1 || opts[0].IPAddress != "149.154.167.91" || opts[0].Port != 443 {
		t.Fatalf("неожиданные адреса DC: %+v", opts)
	}
}

func TestNormalizeSessionRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"короткий ключ":         `[{"dc_id":2,"server_address":"1.1.1.1","port":443,"auth_key":"abcd"}]`,
		"ключ не hex":           `[{"dc_id":2,"server_address":"1.1.1.1","port":443,"auth_key":"zz"}]`,
		"объект без параметров": `{"phone":"+79990000000"}`,
		"битая строка аккаунта": `{"extra_params":"1AAAA"}`,
		"пустая таблица":        `[]`,
	}
	for name, raw := range cases {
		if _, _, err := NormalizeSession([]byte(raw)); !errors.Is(err, ErrUnsupportedSessionFormat) {
			t.Fatalf("%s: ожидали ErrUnsupportedSessionFormat, получили %v", name, err)
		}
	}
}
