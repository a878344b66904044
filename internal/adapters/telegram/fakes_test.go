package telegram

import (
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type stubBot struct {
	file       tgbotapi.File
	requestErr error
	requests   []tgbotapi.Chattable
}

func (s *stubBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return tgbotapi.Message{}, nil
}

func (s *stubBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	s.requests = append(s.requests, c)
	if s.requestErr != nil {
		return nil, s.requestErr
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (s *stubBot) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	if s.file.FileID != config.FileID {
		return tgbotapi.File{}, errors.New("file not found")
	}
	return s.file, nil
}

func (s *stubBot) GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error) {
	return tgbotapi.Chat{}, nil
}

func (s *stubBot) GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	return tgbotapi.ChatMember{}, nil
}
