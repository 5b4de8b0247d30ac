package main

import (
	"github.com/SuryanshYadav45/MediLink/internal/approval"
	"github.com/SuryanshYadav45/MediLink/internal/config"
	"github.com/SuryanshYadav45/MediLink/internal/db"
	"github.com/SuryanshYadav45/MediLink/internal/directory"
	clog "github.com/SuryanshYadav45/MediLink/internal/log"
	"github.com/SuryanshYadav45/MediLink/internal/server"
	"github.com/SuryanshYadav45/MediLink/internal/ws"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load")
	}
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	hub := ws.NewHub()
	dir := directory.New(gdb, cfg.MessageMaxLen)
	appr := approval.New(dir, hub)

	r := server.SetupRouter(cfg, dir, appr, hub)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
