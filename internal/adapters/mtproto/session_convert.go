package mtproto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
)

// ErrUnsupportedSessionFormat возвращается, если формат сессии не распознан.
var ErrUnsupportedSessionFormat = errors.New("неподдерживаемый формат MTProto-сессии")

// SessionFormat называет формат, в котором пришла сессия.
type SessionFormat string

const (
	// FormatGotd задаёт JSON-сессию gotd, она хранится как есть.
	FormatGotd SessionFormat = "gotd"
	// FormatTelethonString задаёт строку StringSession Telethon.
	FormatTelethonString SessionFormat = "telethon_string"
	// FormatTelethonRows задаёт выгрузку таблицы sessions из .session файла Telethon.
	FormatTelethonRows SessionFormat = "telethon_rows"
	// FormatTelethonAccount задаёт JSON аккаунта со строкой Telethon в extra_params.
	FormatTelethonAccount SessionFormat = "telethon_account"
)

// sessionObject покрывает оба JSON-объекта, которые мы принимаем.
type sessionObject struct {
	Version     int    `json:"Version"`
	ExtraParams string `json:"extra_params"`
}

type telethonRow struct {
	DCID          int    `json:"dc_id"`
	ServerAddress string `json:"server_address"`
	Port          int    `json:"port"`
	AuthKey       string `json:"auth_key"`
}

// NormalizeSession приводит сессию к JSON-формату gotd и сообщает исходный формат.
// Формат выбирается по первому символу: объект, массив строк таблицы или строка Telethon.
func NormalizeSession(raw []byte) ([]byte, SessionFormat, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, "", errors.New("MTProto-сессия пустая")
	}

	var (
		data   *session.Data
		format SessionFormat
		err    error
	)
	switch trimmed[0] {
	case '{':
		var obj sessionObject
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedSessionFormat, err)
		}
		if obj.Version != 0 {
			return append([]byte(nil), trimmed...), FormatGotd, nil
		}
		if obj.ExtraParams == "" {
			return nil, "", fmt.Errorf("%w: объект без Version и extra_params", ErrUnsupportedSessionFormat)
		}
		format = FormatTelethonAccount
		data, err = parseTelethonString(obj.ExtraParams)
	case '[':
		var rows []telethonRow
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedSessionFormat, err)
		}
		format = FormatTelethonRows
		data, err = parseTelethonRows(rows)
	default:
		format = FormatTelethonString
		data, err = parseTelethonString(string(trimmed))
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrUnsupportedSessionFormat, format, err)
	}

	out, err := json.Marshal(struct {
		Version int          `json:"Version"`
		Data    session.Data `json:"Data"`
	}{Version: 1, Data: *data})
	if err != nil {
		return nil, "", fmt.Errorf("кодирование сессии: %w", err)
	}
	return out, format, nil
}

func parseTelethonString(s string) (*session.Data, error) {
	s = strings.Trim(strings.TrimSpace(s), "\"'")
	if s == "" {
		return nil, errors.New("строка сессии пустая")
	}
	data, err := session.TelethonSession(s)
	if err != nil {
		return nil, err
	}
	if host, port, err := splitAddr(data.Addr); err == nil {
		setHome(data, data.DC, host, port)
	}
	return data, nil
}

// parseTelethonRows берёт первую строку таблицы, в которой есть адрес и ключ.
func parseTelethonRows(rows []telethonRow) (*session.Data, error) {
	for _, row := range rows {
		if row.AuthKey == "" || row.ServerAddress == "" || row.Port == 0 {
			continue
		}
		key, err := decodeAuthKey(row.AuthKey)
		if err != nil {
			return nil, err
		}
		id := key.WithID().ID
		data := &session.Data{
			AuthKey:   append([]byte(nil), key[:]...),
			AuthKeyID: append([]byte(nil), id[:]...),
		}
		setHome(data, row.DCID, row.ServerAddress, row.Port)
		return data, nil
	}
	return nil, errors.New("нет строк с ключом авторизации")
}

func decodeAuthKey(s string) (crypto.Key, error) {
	var key crypto.Key
	raw, err := hex.DecodeString(strings.Trim(strings.TrimSpace(s), "\"'"))
	if err != nil {
		return key, fmt.Errorf("разбор auth_key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("auth_key длиной %d байт, ожидали %d", len(raw), len(key))
	}
	copy(key[:], raw)
	return key, nil
}

// setHome прописывает домашний DC сессии, если он ещё не задан.
func setHome(data *session.Data, dc int, host string, port int) {
	if data.DC == 0 {
		data.DC = dc
	}
	if data.Addr == "" {
		data.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if data.Config.ThisDC == 0 {
		data.Config.ThisDC = data.DC
	}
	if len(data.Config.DCOptions) == 0 {
		data.Config.DCOptions = []tg.DCOption{{ID: data.DC, IPAddress: host, Port: port}}
	}
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
