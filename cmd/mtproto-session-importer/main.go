package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"tg-source-bot/internal/adapters/mtproto"
	"tg-source-bot/internal/adapters/repo"
	"tg-source-bot/internal/domain"
	"tg-source-bot/internal/infra/config"
	"tg-source-bot/internal/infra/db"
)

type sessionStore interface {
	domain.SessionRepo
	domain.MTProtoSessionStore
}

func main() {
	var (
		filePath string
		userID   int64
	)
	flag.StringVar(&filePath, "file", "", "Path to MTProto session file (gotd JSON or Telethon string)")
	flag.Int64Var(&userID, "user", 0, "Telegram user ID the session belongs to")
	flag.Parse()

	if filePath == "" {
		log.Fatal().Msg("mtproto-importer: path to session file is required (-file)")
	}
	if userID == 0 {
		log.Fatal().Msg("mtproto-importer: user ID is required (-user)")
	}

	sessionData, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: failed to read session file")
	}
	normalized, format, err := mtproto.NormalizeSession(sessionData)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: unsupported MTProto session format")
	}
	sessionData = normalized

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var store sessionStore
	if cfg.PGDSN != "" {
		pool, err := db.Connect(ctx, cfg.PGDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("mtproto-importer: failed to connect to database")
		}
		defer pool.Close()
		store = repo.NewPostgres(pool)
	} else {
		files, err := repo.NewFileStore(cfg.DataDir)
		if err != nil {
			log.Fatal().Err(err).Msg("mtproto-importer: failed to open data directory")
		}
		store = files
	}

	name := mtproto.SessionName(userID)
	if err := store.StoreMTProtoSession(ctx, name, sessionData); err != nil {
		var pathErr *os.PathError
		switch {
		case errors.As(err, &pathErr):
			log.Fatal().Err(pathErr).Msg("mtproto-importer: filesystem error while storing session")
		default:
			log.Fatal().Err(err).Msg("mtproto-importer: failed to store session")
		}
	}

	err = store.SaveSession(ctx, domain.UserSession{
		UserID:    userID,
		Password:  domain.PasswordVerified,
		MTProto:   domain.MTProtoEstablished,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: failed to mark user session as established")
	}

	if format != mtproto.FormatGotd {
		fmt.Printf("Session was converted from %s to gotd JSON format before storing\n", format)
	}
	fmt.Printf("Stored MTProto session %q (%d bytes) for user %d\n", name, len(sessionData), userID)
}
